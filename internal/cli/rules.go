package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect alert rules",
	}

	cmd.AddCommand(newRulesValidateCmd())
	cmd.AddCommand(newRulesListCmd())

	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rule file without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := rules.LoadFile(file)
			if err != nil {
				return err
			}

			if getOutputFormat() != "table" {
				return printOutput(loaded)
			}

			t := NewTable("ID", "SEVERITY", "GROUP", "PRIORITY", "ENABLED", "EXPRESSION")
			for _, r := range loaded {
				t.AddRow(
					r.ID,
					formatSeverity(r.Severity),
					r.DedupGroup(),
					strconv.Itoa(r.Priority),
					strconv.FormatBool(r.Enabled),
					truncate(r.Expression, 50),
				)
			}
			t.Render()
			fmt.Fprintf(stdout, "\n%d rule(s) OK\n", len(loaded))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newRulesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the rules a running engine evaluates",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := apiClient.Rules(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list rules: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(loaded)
			}

			t := NewTable("ID", "SEVERITY", "PRIORITY", "EXPRESSION", "ERROR")
			for _, r := range loaded {
				t.AddRow(
					r.ID,
					formatSeverity(r.Severity),
					strconv.Itoa(r.Priority),
					truncate(r.Expression, 40),
					r.Error,
				)
			}
			t.Render()
			return nil
		},
	}
}
