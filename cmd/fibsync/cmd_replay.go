package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/newtron-network/fibsync/pkg/audit"
	"github.com/newtron-network/fibsync/pkg/cli"
	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/routesync"
	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

var (
	replayDryRun    bool
	replayKeepGoing bool
	replayPorts     string
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Apply a recorded event file",
	Long: `Apply a YAML file of link, neighbor and route events in order.

With --dry-run the events are applied to in-memory tables, one per device
named in the file, and the resulting tables are printed. Otherwise the
events are programmed into the table store for the local device.

Event file format:

  events:
    - {op: add, type: link, device: 1, interface: Ethernet0, mac: "00:aa:bb:00:00:01"}
    - {op: add, type: neighbor, device: 1, interface: Ethernet0, ip: 10.0.0.2, mac: "52:54:00:00:00:02"}
    - op: add
      type: route
      device: 1
      prefix: 192.0.2.0/24
      gateways: [{ip: 10.0.0.2, interface: Ethernet0}]

Examples:
  fibsync replay events.yaml --dry-run
  fibsync replay events.yaml --keep-going`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := routesync.LoadFile(args[0])
		if err != nil {
			return err
		}
		if replayPorts != "" {
			userSettings.PortConfig = replayPorts
		}

		ctx := cmd.Context()
		sw := switchapi.NewSwitch()

		var tables map[switchapi.DeviceID]*pd.MemoryProgrammer
		if replayDryRun {
			tables, err = addMemoryDevices(sw, events)
		} else {
			var store *tableStore
			store, err = openTableStore(ctx, userSettings)
			if err == nil {
				defer store.Close()
				_, err = addDevice(sw, switchapi.DeviceID(deviceID), store, false)
			}
		}
		if err != nil {
			return err
		}

		failed := replay(ctx, routesync.NewEngine(sw, routesync.Config{}), events)
		if failed > 0 && !replayKeepGoing {
			return fmt.Errorf("replay stopped after a failed event")
		}

		if replayDryRun {
			printMemoryTables(tables)
		}
		for _, d := range sw.Devices() {
			printStats(d)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d events failed", failed, len(events))
		}
		return nil
	},
}

// replay applies events in order and returns the number that failed.
// Without --keep-going it stops at the first failure.
func replay(ctx context.Context, eng *routesync.Engine, events []routesync.Event) int {
	failed := 0
	for i, ev := range events {
		err := eng.Apply(ctx, ev)
		if err == nil {
			continue
		}
		failed++
		fmt.Fprintf(os.Stderr, "event %d (%s): %s\n", i+1, ev, cli.Result(err))
		if !replayKeepGoing {
			break
		}
	}
	return failed
}

// addDevice registers id on sw programming through prog. Table operations
// are audited when an audit log is configured.
func addDevice(sw *switchapi.Switch, id switchapi.DeviceID, prog pd.Programmer, dryRun bool) (switchapi.Config, error) {
	cfg, err := deviceConfig(userSettings)
	if err != nil {
		return cfg, err
	}
	if id != switchapi.DeviceID(deviceID) && userSettings.DeviceName == "" {
		cfg.Name = fmt.Sprintf("dev%d", id)
	}
	if auditLogger != nil {
		prog = pd.Observe(prog, audit.Recorder(auditLogger, cfg.Name, dryRun, func(err error) {
			util.WithDevice(cfg.Name).Warnf("audit: %v", err)
		}))
	}
	_, err = sw.AddDevice(id, prog, cfg)
	return cfg, err
}

func addMemoryDevices(sw *switchapi.Switch, events []routesync.Event) (map[switchapi.DeviceID]*pd.MemoryProgrammer, error) {
	tables := make(map[switchapi.DeviceID]*pd.MemoryProgrammer)
	for _, ev := range events {
		if _, ok := tables[ev.Device]; ok {
			continue
		}
		mem := pd.NewMemoryProgrammer()
		if _, err := addDevice(sw, ev.Device, mem, true); err != nil {
			return nil, err
		}
		tables[ev.Device] = mem
	}
	return tables, nil
}

func printMemoryTables(tables map[switchapi.DeviceID]*pd.MemoryProgrammer) {
	ids := make([]switchapi.DeviceID, 0, len(tables))
	for id := range tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	dump := make(map[switchapi.DeviceID]map[pd.Table]map[string]map[string]string, len(ids))
	for _, id := range ids {
		dump[id] = make(map[pd.Table]map[string]map[string]string)
		for _, table := range pd.AllTables {
			rows := make(map[string]map[string]string)
			for _, e := range tables[id].Entries(table) {
				rows[e.Key()] = e.Fields()
			}
			dump[id][table] = rows
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(dump)
		return
	}
	for _, id := range ids {
		fmt.Printf("%s\n\n", cli.Bold(fmt.Sprintf("Device %d", id)))
		for _, table := range pd.AllTables {
			if len(dump[id][table]) > 0 {
				printTable(table, dump[id][table])
			}
		}
	}
}

func printStats(d *switchapi.Device) {
	if jsonOutput {
		return
	}
	stats := d.Stats()
	t := cli.NewTable("OBJECT", "IN USE").WithPrefix("  ")
	for k := switchapi.KindRouterMAC; k <= switchapi.KindRoute; k++ {
		t.Row(k.String(), fmt.Sprint(stats[k]))
	}
	fmt.Printf("%s objects:\n", d.Name())
	t.Flush()
}

func init() {
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Apply to in-memory tables and print them")
	replayCmd.Flags().BoolVar(&replayKeepGoing, "keep-going", false, "Continue past failed events")
	replayCmd.Flags().StringVar(&replayPorts, "ports", "", "Port config file (overrides the port_config setting)")
}
