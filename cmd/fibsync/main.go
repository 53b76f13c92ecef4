// fibsync - forwarding table synchronizer
//
// fibsync mirrors the host's routing state (links, neighbors and routes) into
// the forwarding tables of a programmable pipeline. The route manager resolves
// every route to a next-hop, an ECMP group or local delivery and writes the
// resulting entries to the table store the pipeline agent consumes.
//
// Commands:
//
//	run       - Watch netlink and keep the tables in sync (Linux only)
//	replay    - Apply a recorded event file, optionally against an in-memory table
//	show      - Dump forwarding tables from the table store
//	audit     - Query the table-operation audit trail
//	settings  - Manage persistent settings
//
// Examples:
//
//	fibsync settings set redis_addr 10.0.0.5:6379
//	fibsync run --device 1
//	fibsync replay events.yaml --dry-run
//	fibsync show route_forward_v4
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/fibsync/pkg/audit"
	"github.com/newtron-network/fibsync/pkg/settings"
	"github.com/newtron-network/fibsync/pkg/util"
	"github.com/newtron-network/fibsync/pkg/version"
)

var (
	// Global option flags
	deviceID   uint16
	redisAddr  string
	redisDB    int
	verbose    bool
	jsonLogs   bool
	jsonOutput bool

	// Global state
	userSettings *settings.Settings
	auditLogger  audit.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "fibsync",
	Short:             "Forwarding table synchronizer",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `fibsync keeps the forwarding tables of a programmable pipeline in sync
with the host's routes, neighbors and links.

Defaults for every flag come from the settings file (fibsync settings show).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isSettingsOrHelp(cmd) {
			return nil
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}

		if !cmd.Flags().Changed("device") {
			deviceID = userSettings.DeviceID
		}
		if redisAddr == "" {
			redisAddr = userSettings.GetRedisAddr()
		}
		if !cmd.Flags().Changed("redis-db") && userSettings.RedisDB != 0 {
			redisDB = userSettings.RedisDB
		}

		level := userSettings.GetLogLevel()
		if verbose {
			level = "debug"
		}
		if err := util.ConfigureLogging(level, jsonLogs); err != nil {
			return err
		}

		fileLogger, err := audit.NewFileLogger(userSettings.GetAuditLog(), audit.RotationConfig{
			MaxSize:    10 * 1024 * 1024, // 10MB
			MaxBackups: 10,
		})
		if err != nil {
			util.Debugf("Audit logging disabled: %v", err)
		} else {
			auditLogger = fileLogger
			audit.SetDefaultLogger(fileLogger)
		}
		return nil
	},
}

// isSettingsOrHelp reports whether cmd runs without loaded settings.
func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "settings", "help", "version", "completion":
			return true
		}
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().Uint16VarP(&deviceID, "device", "d", 0, "Pipeline device id")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Table store address (host:port)")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", defaultRedisDB, "Table store database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "Log in JSON format")

	for _, cmd := range []*cobra.Command{showCmd, auditListCmd, replayCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	}

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Table Synchronization:"},
		&cobra.Group{ID: "meta", Title: "Configuration & Meta:"},
	)

	for _, cmd := range []*cobra.Command{replayCmd, showCmd} {
		cmd.GroupID = "sync"
		rootCmd.AddCommand(cmd)
	}
	for _, cmd := range []*cobra.Command{settingsCmd, auditCmd, versionCmd} {
		cmd.GroupID = "meta"
		rootCmd.AddCommand(cmd)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if version.Version == "dev" {
			fmt.Printf("fibsync dev build (%s)\n", version.Info())
			return
		}
		fmt.Printf("fibsync %s\n", version.Info())
	},
}
