package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/newtron-network/fibsync/pkg/audit"
	"github.com/newtron-network/fibsync/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the table-operation audit trail",
	Long: `View the audit trail of forwarding-table operations.

Every add and remove issued by run and replay is recorded with:
  - Timestamp
  - Device
  - Table and key
  - Success/failure status

Examples:
  fibsync audit list --device-name leaf1
  fibsync audit list --table route_forward_v4 --last 1h
  fibsync audit list --failures`,
}

var (
	auditDevice   string
	auditTable    string
	auditKey      string
	auditLast     string
	auditLimit    int
	auditFailures bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := audit.Filter{
			Device:      auditDevice,
			Table:       auditTable,
			Key:         auditKey,
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}

		if auditLast != "" {
			duration, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-duration)
		}

		events, err := audit.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(events)
		}

		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		t := cli.NewTable("TIMESTAMP", "DEVICE", "OPERATION", "TABLE", "KEY", "STATUS")
		for _, event := range events {
			status := cli.Green("ok")
			if !event.Success {
				status = cli.Red("failed: " + event.Error)
			}
			if event.DryRun {
				status += cli.Yellow(" (dry-run)")
			}
			t.Row(
				event.Timestamp.Format("2006-01-02 15:04:05"),
				event.Device,
				event.Operation,
				event.Table,
				event.Key,
				status,
			)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditDevice, "device-name", "", "Filter by device name")
	auditListCmd.Flags().StringVar(&auditTable, "table", "", "Filter by table")
	auditListCmd.Flags().StringVar(&auditKey, "key", "", "Filter by entry key")
	auditListCmd.Flags().StringVar(&auditLast, "last", "", "Show events from last duration (e.g., 1h, 30m)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum events to show")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed operations")

	auditCmd.AddCommand(auditListCmd)
}
