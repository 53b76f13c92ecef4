//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/fibsync/pkg/netlinkwatch"
	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/routesync"
	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

var (
	runFlush       bool
	runMetricsAddr string
	runVRFTables   map[string]int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch netlink and keep the tables in sync",
	Long: `Run the synchronizer for the local device.

The kernel's links, neighbors and routes are dumped and then followed through
netlink notifications. Only interfaces listed in the port config are synced.
Routes from the main table map to VRF 0; other tables are mapped with --vrf.

Metrics are served on /metrics at the metrics_addr setting.

Examples:
  fibsync run --device 1
  fibsync run --vrf 100=1,200=2 --flush`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
		defer stop()

		vrfs, err := vrfTables(runVRFTables)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		store, err := openTableStore(ctx, userSettings)
		if err != nil {
			return err
		}
		defer store.Close()

		id := switchapi.DeviceID(deviceID)
		sw := switchapi.NewSwitch()
		cfg, err := addDevice(sw, id, pd.Instrument(store, pd.NewMetrics(reg)), false)
		if err != nil {
			return err
		}
		log := util.WithDevice(cfg.Name)

		engine := routesync.NewEngine(sw, routesync.Config{Metrics: routesync.NewMetrics(reg)})
		watcher := netlinkwatch.New(netlinkwatch.Config{
			Device: id,
			Interfaces: func(name string) bool {
				_, err := cfg.Ports.Resolve(name)
				return err == nil
			},
			VRFs: vrfs,
		})

		addr := runMetricsAddr
		if addr == "" {
			addr = userSettings.GetMetricsAddr()
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		events := make(chan routesync.Event, 1024)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			defer close(events)
			return watcher.Run(gctx, events)
		})
		g.Go(func() error {
			return engine.Run(gctx, events)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		log.Infof("Syncing (table store %s db %d, metrics %s)", redisAddr, redisDB, addr)
		err = g.Wait()

		if runFlush {
			log.Info("Flushing forwarding tables")
			if ferr := sw.Close(context.Background()); ferr != nil {
				err = errors.Join(err, ferr)
			}
		}
		if err != nil {
			return err
		}
		log.Info("Stopped")
		return nil
	},
}

// vrfTables maps kernel routing table ids (given as strings by the flag) to
// VRF ids. The main table is always VRF 0.
func vrfTables(flag map[string]int) (map[int]uint32, error) {
	vrfs := map[int]uint32{unix.RT_TABLE_MAIN: 0}
	for table, vrf := range flag {
		t, err := strconv.Atoi(table)
		if err != nil || t <= 0 {
			return nil, util.NewParameterError("run", "vrf table", table)
		}
		if vrf < 0 {
			return nil, util.NewParameterError("run", "vrf", strconv.Itoa(vrf))
		}
		vrfs[t] = uint32(vrf)
	}
	return vrfs, nil
}

func init() {
	runCmd.Flags().BoolVar(&runFlush, "flush", false, "Remove every programmed entry on exit")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Metrics listen address (overrides the metrics_addr setting)")
	runCmd.Flags().StringToIntVar(&runVRFTables, "vrf", nil, "Kernel table to VRF id mapping (table=vrf,...)")

	runCmd.GroupID = "sync"
	rootCmd.AddCommand(runCmd)
}
