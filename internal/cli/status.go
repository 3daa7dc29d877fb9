package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pratik-mahalle/fleetpulse/pkg/client"
)

func newStatusCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet, err := apiClient.FleetStatus(context.Background(), status)
			if err != nil {
				return fmt.Errorf("failed to get fleet status: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(fleet)
			}

			fmt.Fprintln(stdout, "Fleet Status")
			fmt.Fprintln(stdout, strings.Repeat("=", 40))
			fmt.Fprintf(stdout, "  Devices:         %d\n", fleet.Total)
			fmt.Fprintf(stdout, "  Up:              %d\n", fleet.Up)
			fmt.Fprintf(stdout, "  Down:            %d\n", fleet.Down)
			fmt.Fprintf(stdout, "  Protocol errors: %d\n\n", fleet.ProtocolErrors)

			renderDevices(fleet.Devices)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only devices with this status (up, down)")

	return cmd
}

func newDeviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device [id]",
		Short: "Show the state of one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := apiClient.DeviceState(context.Background(), args[0])
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.IsNotFound() {
					return fmt.Errorf("device %s has never been probed", args[0])
				}
				return fmt.Errorf("failed to get device state: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(d)
			}

			fmt.Fprintf(stdout, "Device:          %s\n", d.DeviceID)
			fmt.Fprintf(stdout, "Status:          %s\n", formatStatus(d.Status))
			fmt.Fprintf(stdout, "Down since:      %s\n", formatTime(d.DownSince))
			fmt.Fprintf(stdout, "Last probe:      %s (%s)\n", d.LastProbeResult, formatTime(d.LastProbeAt))
			fmt.Fprintf(stdout, "Latency:         %.1f ms\n", d.LastLatencyMs)
			fmt.Fprintf(stdout, "Failures:        %d\n", d.ConsecutiveFailures)
			fmt.Fprintf(stdout, "Protocol:        %s", formatStatus(d.ProtocolStatus))
			if d.ProtocolReason != "" {
				fmt.Fprintf(stdout, " (%s)", d.ProtocolReason)
			}
			fmt.Fprintln(stdout)
			return nil
		},
	}
}

func newLanesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Show pending jobs per lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			depths, err := apiClient.Lanes(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get lane depths: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(depths)
			}

			lanes := make([]string, 0, len(depths))
			for lane := range depths {
				lanes = append(lanes, lane)
			}
			sort.Strings(lanes)

			t := NewTable("LANE", "PENDING")
			for _, lane := range lanes {
				t.AddRow(lane, strconv.FormatInt(depths[lane], 10))
			}
			t.Render()
			return nil
		},
	}
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run an orchestration cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := apiClient.TriggerCycle(context.Background())
			if err != nil {
				return fmt.Errorf("failed to trigger cycle: %w", err)
			}

			if getOutputFormat() != "table" {
				return printOutput(report)
			}

			if report.Skipped {
				fmt.Fprintf(stdout, "Cycle %d skipped: device store unavailable\n", report.CycleID)
				return nil
			}
			fmt.Fprintf(stdout, "Cycle %d: %d device(s) in %d batch(es) of %d, %d job(s) enqueued",
				report.CycleID, report.Plan.DeviceCount, report.Plan.BatchCount, report.Plan.BatchSize, report.Enqueued)
			if report.EnqueueFailures > 0 {
				fmt.Fprintf(stdout, ", %d failed", report.EnqueueFailures)
			}
			fmt.Fprintln(stdout)
			return nil
		},
	}
}

func renderDevices(devices []client.DeviceStatus) {
	t := NewTable("DEVICE", "STATUS", "PROTOCOL", "FAILURES", "LATENCY", "LAST PROBE")
	for _, d := range devices {
		t.AddRow(
			d.DeviceID,
			formatStatus(d.Status),
			formatStatus(d.ProtocolStatus),
			strconv.Itoa(d.ConsecutiveFailures),
			fmt.Sprintf("%.1fms", d.LastLatencyMs),
			formatTime(d.LastProbeAt),
		)
	}
	t.Render()
}
