package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/newtron-network/fibsync/pkg/cli"
	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

var showCmd = &cobra.Command{
	Use:   "show [table...]",
	Short: "Dump forwarding tables from the table store",
	Long: `Dump forwarding tables as stored for the pipeline agent.

Without arguments every table is shown, leaves first. Tables:
  router_mac, neighbor, nexthop, ecmp_group, ecmp_member,
  route_forward_v4, route_forward_v6, srv6_forward_v4, srv6_forward_v6

Examples:
  fibsync show
  fibsync show route_forward_v4 nexthop --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tables, err := parseTables(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := openTableStore(ctx, userSettings)
		if err != nil {
			return err
		}
		defer store.Close()

		dump := make(map[pd.Table]map[string]map[string]string, len(tables))
		for _, table := range tables {
			entries, err := store.Dump(ctx, table)
			if err != nil {
				return fmt.Errorf("reading %s: %w", table, err)
			}
			dump[table] = entries
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(dump)
		}

		for _, table := range tables {
			printTable(table, dump[table])
		}
		return nil
	},
}

// parseTables validates table names; none selects every table.
func parseTables(names []string) ([]pd.Table, error) {
	if len(names) == 0 {
		return pd.AllTables, nil
	}
	known := make(map[pd.Table]bool, len(pd.AllTables))
	for _, t := range pd.AllTables {
		known[t] = true
	}
	tables := make([]pd.Table, 0, len(names))
	for _, name := range names {
		if !known[pd.Table(name)] {
			return nil, util.NewParameterError("show", "table", name)
		}
		tables = append(tables, pd.Table(name))
	}
	return tables, nil
}

func printTable(table pd.Table, entries map[string]map[string]string) {
	fmt.Printf("%s (%d)\n", cli.Bold(string(table)), len(entries))
	if len(entries) == 0 {
		fmt.Println()
		return
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	t := cli.NewTable("KEY", "FIELDS").WithPrefix("  ")
	for _, k := range keys {
		t.Row(k, cli.Fields(entries[k]))
	}
	t.Flush()
	fmt.Println()
}
