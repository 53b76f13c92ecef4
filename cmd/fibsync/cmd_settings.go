package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/newtron-network/fibsync/pkg/cli"
	"github.com/newtron-network/fibsync/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.fibsync/settings.json.

Settings provide defaults for the global flags and configure the daemon:
  - device_id, device_name:   Local pipeline device
  - redis_addr, redis_db:     Table store
  - ssh_host, ssh_user, ...:  Optional SSH tunnel to the table store
  - port_config:              Interface to port binding file
  - capacity.<kind>:          Handle pool sizes (rmac, rif, neighbor, nexthop, group, route)

Examples:
  fibsync settings show
  fibsync settings set redis_addr 10.0.0.5:6379
  fibsync settings set capacity.route 65536
  fibsync settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		t := cli.NewTable("SETTING", "VALUE")
		keys := append([]string(nil), settings.Keys()...)
		for i, k := range keys {
			if k == "capacity.<kind>" {
				keys = append(keys[:i:i], append(s.CapacityKeys(), keys[i+1:]...)...)
				break
			}
		}
		for _, k := range keys {
			value, err := s.Get(k)
			if err != nil {
				return err
			}
			if value == "" {
				value = cli.Dim("(not set)")
			}
			t.Row(k, value)
		}
		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Long: `Set a persistent setting value. An empty value clears the setting.

Available settings:
  ` + strings.Join(settings.Keys(), "\n  ") + `

Examples:
  fibsync settings set device_id 1
  fibsync settings set default_router_mac 00:aa:bb:00:00:01
  fibsync settings set capacity.nexthop 4096`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			s = &settings.Settings{}
		}

		if err := s.Set(args[0], args[1]); err != nil {
			return err
		}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}

		value, _ := s.Get(args[0])
		if value == "" {
			fmt.Printf("%s cleared\n", args[0])
		} else {
			fmt.Printf("%s set to: %s\n", args[0], value)
		}
		return nil
	},
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <setting>",
	Short: "Get a setting value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		value, err := s.Get(args[0])
		if err != nil {
			return err
		}
		if value == "" {
			fmt.Println("(not set)")
		} else {
			fmt.Println(value)
		}
		return nil
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &settings.Settings{}
		if err := s.Save(); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		fmt.Println("All settings cleared.")
		return nil
	},
}

var settingsPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show settings file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(settings.DefaultSettingsPath())
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
	settingsCmd.AddCommand(settingsGetCmd)
	settingsCmd.AddCommand(settingsClearCmd)
	settingsCmd.AddCommand(settingsPathCmd)
}
