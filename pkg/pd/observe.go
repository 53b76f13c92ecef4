package pd

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newtron-network/fibsync/pkg/util"
)

// ObserverFunc is called after every operation with its outcome.
type ObserverFunc func(op Op, e Entry, err error)

// Observe wraps p so fn sees every operation applied through it.
func Observe(p Programmer, fn ObserverFunc) Programmer {
	return &observed{next: p, fn: fn}
}

type observed struct {
	next Programmer
	fn   ObserverFunc
}

func (o *observed) Open(ctx context.Context) (Session, error) {
	s, err := o.next.Open(ctx)
	if err != nil {
		return nil, err
	}
	return &observedSession{next: s, fn: o.fn}, nil
}

type observedSession struct {
	next Session
	fn   ObserverFunc
}

func (s *observedSession) Apply(ctx context.Context, op Op, e Entry) error {
	err := s.next.Apply(ctx, op, e)
	s.fn(op, e, err)
	return err
}

func (s *observedSession) Close() error {
	return s.next.Close()
}

// Metrics holds the prometheus collectors for table programming.
type Metrics struct {
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sessions prometheus.Gauge
}

// NewMetrics creates and registers the table-programming collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fibsync",
			Subsystem: "table",
			Name:      "operations_total",
			Help:      "Number of forwarding-table operations, by table, op and result.",
		}, []string{"table", "op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fibsync",
			Subsystem: "table",
			Name:      "operation_duration_seconds",
			Help:      "Latency of forwarding-table operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"table", "op"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fibsync",
			Subsystem: "table",
			Name:      "open_sessions",
			Help:      "Programming sessions currently held.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.latency, m.sessions)
	}
	return m
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, util.ErrNotFound):
		return "not_found"
	default:
		return "failed"
	}
}

// Instrument wraps p so every session and operation is counted in m.
func Instrument(p Programmer, m *Metrics) Programmer {
	return &instrumented{next: p, m: m}
}

type instrumented struct {
	next Programmer
	m    *Metrics
}

func (i *instrumented) Open(ctx context.Context) (Session, error) {
	s, err := i.next.Open(ctx)
	if err != nil {
		return nil, err
	}
	i.m.sessions.Inc()
	return &instrumentedSession{next: s, m: i.m}, nil
}

type instrumentedSession struct {
	next   Session
	m      *Metrics
	closed bool
}

func (s *instrumentedSession) Apply(ctx context.Context, op Op, e Entry) error {
	start := time.Now()
	err := s.next.Apply(ctx, op, e)
	s.m.latency.WithLabelValues(string(e.Table()), op.String()).Observe(time.Since(start).Seconds())
	s.m.ops.WithLabelValues(string(e.Table()), op.String(), result(err)).Inc()
	return err
}

func (s *instrumentedSession) Close() error {
	if !s.closed {
		s.closed = true
		s.m.sessions.Dec()
	}
	return s.next.Close()
}
