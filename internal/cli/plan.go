package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/internal/config"
	"github.com/pratik-mahalle/fleetpulse/internal/services"
)

func newPlanCmd() *cobra.Command {
	var devices int
	var tuningFile string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the batch plan for a fleet size",
		Long: `Compute the batch size and batch count the engine would use for a fleet
of the given size, with the built-in tuning or the one in --tuning.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if devices < 0 {
				return fmt.Errorf("--devices must be non-negative")
			}

			tuning, err := config.NewTuningWatcher(tuningFile, nil)
			if err != nil {
				return err
			}
			plan := services.ComputePlan(devices, tuning.Current())

			if getOutputFormat() != "table" {
				return printOutput(plan)
			}

			t := NewTable("DEVICES", "BATCH SIZE", "BATCHES")
			t.AddRow(
				strconv.Itoa(plan.DeviceCount),
				strconv.Itoa(plan.BatchSize),
				strconv.Itoa(plan.BatchCount),
			)
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVar(&devices, "devices", 0, "fleet size")
	cmd.Flags().StringVar(&tuningFile, "tuning", "", "tuning file")
	_ = cmd.MarkFlagRequired("devices")

	return cmd
}
