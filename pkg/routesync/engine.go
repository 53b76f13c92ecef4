package routesync

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// Metrics holds the prometheus collectors for event processing.
type Metrics struct {
	events  *prometheus.CounterVec
	latency prometheus.Histogram
	pending *prometheus.GaugeVec
}

// NewMetrics creates and registers the event-processing collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fibsync",
			Subsystem: "sync",
			Name:      "events_total",
			Help:      "Number of update events processed, by type, op and result.",
		}, []string{"type", "op", "result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fibsync",
			Subsystem: "sync",
			Name:      "event_duration_seconds",
			Help:      "Time to apply one update event.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fibsync",
			Subsystem: "sync",
			Name:      "queued_events",
			Help:      "Events waiting for their device worker.",
		}, []string{"device"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.latency, m.pending)
	}
	return m
}

// Config tunes an Engine.
type Config struct {
	// QueueSize is the per-device event buffer used by Run. Defaults to 1024.
	QueueSize int
	// Metrics is optional.
	Metrics *Metrics
	// OnResult, if set, is called by Run after every event.
	OnResult func(Event, error)
}

// Engine applies update events to the devices of a Switch.
type Engine struct {
	sw      *switchapi.Switch
	cfg     Config
	metrics *Metrics
}

// NewEngine creates an engine over sw.
func NewEngine(sw *switchapi.Switch, cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Engine{sw: sw, cfg: cfg, metrics: cfg.Metrics}
}

// Apply processes one event to completion. Malformed events and events
// referring to interfaces without a router interface are rejected.
func (e *Engine) Apply(ctx context.Context, ev Event) (err error) {
	start := time.Now()
	defer func() {
		if e.metrics == nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "failed"
		}
		e.metrics.events.WithLabelValues(ev.Type.String(), ev.Op.String(), result).Inc()
		e.metrics.latency.Observe(time.Since(start).Seconds())
	}()

	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%s: %w", ev, err)
	}
	d, ok := e.sw.Device(ev.Device)
	if !ok {
		return util.NewParameterError(ev.String(), "device", fmt.Sprintf("%d not registered", ev.Device))
	}

	switch ev.Type {
	case TypeLink:
		err = e.applyLink(ctx, d, ev)
	case TypeNeighbor:
		err = e.applyNeighbor(ctx, d, ev)
	case TypeRoute:
		err = e.applyRoute(ctx, d, ev)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", ev, err)
	}
	return nil
}

func (e *Engine) applyLink(ctx context.Context, d *switchapi.Device, ev Event) error {
	rif, exists := d.LookupRIF(ev.Interface)

	if ev.Op == OpDelete {
		if !exists {
			return nil
		}
		info, err := d.GetRIF(rif)
		if err != nil {
			return err
		}
		if err := d.DeleteRIF(ctx, rif); err != nil {
			return err
		}
		e.dropRouterMAC(d, info.RouterMAC)
		return nil
	}

	var rmac switchapi.RouterMACHandle
	if ev.MAC != nil {
		h, err := d.CreateRouterMAC(ev.MAC)
		if err != nil {
			return err
		}
		rmac = h
	}

	if !exists {
		_, err := d.CreateRIF(ctx, switchapi.RIFSpec{RouterMAC: rmac, Interface: ev.Interface})
		if err != nil {
			e.dropRouterMAC(d, rmac)
		}
		return err
	}

	if rmac == 0 {
		return nil
	}
	info, err := d.GetRIF(rif)
	if err != nil {
		return err
	}
	if info.RouterMAC == rmac {
		return nil
	}
	if err := d.SetRIFRouterMAC(ctx, rif, rmac); err != nil {
		e.dropRouterMAC(d, rmac)
		return err
	}
	e.dropRouterMAC(d, info.RouterMAC)
	return nil
}

// dropRouterMAC deletes a router MAC that is neither the device default nor
// used by any RIF.
func (e *Engine) dropRouterMAC(d *switchapi.Device, h switchapi.RouterMACHandle) {
	if h == 0 || h == d.DefaultRouterMAC() || d.RefCount(switchapi.Handle(h)) > 0 {
		return
	}
	if err := d.DeleteRouterMAC(h); err != nil {
		util.WithDevice(d.Name()).Warnf("Releasing router MAC %s: %v", h, err)
	}
}

func (e *Engine) applyNeighbor(ctx context.Context, d *switchapi.Device, ev Event) error {
	rif, ok := d.LookupRIF(ev.Interface)

	if ev.Op == OpDelete {
		if !ok {
			return nil
		}
		n, ok := d.LookupNeighbor(rif, ev.Addr)
		if !ok {
			return nil
		}
		return d.DeleteNeighbor(ctx, n)
	}

	if !ok {
		return util.NewParameterError("neighbor", "interface", ev.Interface+" has no router interface")
	}
	if _, err := d.UpsertNeighbor(ctx, ev.Addr, ev.MAC, rif); err != nil {
		return err
	}

	n, err := d.ResolveNeighbor(ctx, rif, ev.Addr)
	if n > 0 {
		util.WithDevice(d.Name()).Infof("Neighbor %s resolved %d pending routes", ev.Addr, n)
	}
	return err
}

func (e *Engine) applyRoute(ctx context.Context, d *switchapi.Device, ev Event) error {
	if ev.Op == OpDelete {
		return d.DeleteRoute(ctx, ev.VRF, ev.Prefix)
	}

	action := ev.Action
	if action == 0 {
		action = switchapi.ActionForward
	}

	gws := make([]switchapi.Gateway, 0, len(ev.Gateways))
	for _, nh := range ev.Gateways {
		rif, ok := d.LookupRIF(nh.Interface)
		if !ok {
			return util.NewParameterError("route", "gateway", nh.String()+": interface has no router interface")
		}
		gws = append(gws, switchapi.Gateway{RIF: rif, IP: nh.Addr})
	}

	target, err := d.AddRouteVia(ctx, switchapi.RouteVia{
		VRF:      ev.VRF,
		Prefix:   ev.Prefix,
		Action:   action,
		Gateways: gws,
	})
	if err != nil {
		return err
	}
	if _, pending := target.(switchapi.UnresolvedTarget); pending {
		util.WithDevice(d.Name()).Debugf("Route %s pending: gateways %v not resolved", ev.Prefix, ev.Gateways)
	}
	return nil
}

// ApplyAll applies events in order and stops at the first failure.
func (e *Engine) ApplyAll(ctx context.Context, events []Event) error {
	for i, ev := range events {
		if err := e.Apply(ctx, ev); err != nil {
			return fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	return nil
}

// Run consumes events until the channel is closed or ctx is done. Each
// device gets its own worker, so events for one device are applied one at a
// time and in order while devices proceed independently. A failed event is
// logged and reported through Config.OnResult; it does not stop Run.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	g, gctx := errgroup.WithContext(ctx)
	queues := make(map[switchapi.DeviceID]chan Event)

	worker := func(id switchapi.DeviceID, q <-chan Event) error {
		label := fmt.Sprint(id)
		for ev := range q {
			if e.metrics != nil {
				e.metrics.pending.WithLabelValues(label).Dec()
			}
			err := e.Apply(gctx, ev)
			if err != nil {
				util.WithField("device", id).Errorf("%v", err)
			}
			if e.cfg.OnResult != nil {
				e.cfg.OnResult(ev, err)
			}
		}
		return nil
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				q, ok := queues[ev.Device]
				if !ok {
					q = make(chan Event, e.cfg.QueueSize)
					queues[ev.Device] = q
					id := ev.Device
					g.Go(func() error { return worker(id, q) })
				}
				if e.metrics != nil {
					e.metrics.pending.WithLabelValues(fmt.Sprint(ev.Device)).Inc()
				}
				select {
				case q <- ev:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	return g.Wait()
}
