package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/pkg/client"
)

func newAlertsCmd() *cobra.Command {
	var active bool
	var deviceID, severity string
	var limit int

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alert instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			alerts, err := apiClient.Alerts(context.Background(), &client.AlertListOptions{
				ActiveOnly: active,
				DeviceID:   deviceID,
				Severity:   severity,
				Limit:      limit,
			})
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(alerts)
			}

			t := NewTable("ID", "RULE", "DEVICE", "SEVERITY", "TRIGGERED", "RESOLVED", "MESSAGE")
			for _, a := range alerts {
				triggered := a.TriggeredAt
				resolved := formatTime(a.ResolvedAt)
				if a.ResolutionReason != "" {
					resolved += " (" + a.ResolutionReason + ")"
				}
				t.AddRow(
					a.ID,
					a.RuleID,
					a.DeviceID,
					formatSeverity(a.Severity),
					formatTime(&triggered),
					resolved,
					truncate(a.Message, 50),
				)
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&active, "active", false, "only unresolved alerts")
	cmd.Flags().StringVar(&deviceID, "device", "", "filter by device id")
	cmd.Flags().StringVar(&severity, "severity", "", "filter by severity")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of alerts")

	return cmd
}
