package audit

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/newtron-network/fibsync/pkg/pd"
)

var testRoute = pd.RouteV4Entry{
	RouteKey: pd.RouteKey{VRF: 0, Prefix: netip.MustParsePrefix("192.0.2.0/24")},
	Forward:  pd.Forward{Kind: pd.ForwardNextHop, ID: 3},
}

func newTestLogger(t *testing.T, rotation RotationConfig) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(path, rotation)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func TestEvent_New(t *testing.T) {
	event := NewEvent("leaf1", pd.Add, testRoute)

	if event.Device != "leaf1" {
		t.Errorf("Device = %q, want %q", event.Device, "leaf1")
	}
	if event.Operation != "add" {
		t.Errorf("Operation = %q, want add", event.Operation)
	}
	if event.Table != string(pd.TableRouteV4) || event.Key != "0|192.0.2.0/24" {
		t.Errorf("Table/Key = %s/%s", event.Table, event.Key)
	}
	if event.Fields["nexthop_id"] != "3" {
		t.Errorf("Fields = %v", event.Fields)
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("ID and Timestamp should be set")
	}

	removal := NewEvent("leaf1", pd.Remove, testRoute)
	if removal.Fields != nil {
		t.Errorf("removal carries fields %v", removal.Fields)
	}
	if removal.ID == event.ID {
		t.Error("IDs should be unique")
	}
}

func TestEvent_WithError(t *testing.T) {
	event := NewEvent("leaf1", pd.Add, testRoute).WithSuccess().WithError(errors.New("table full"))

	if event.Success {
		t.Error("Success should be false")
	}
	if event.Error != "table full" {
		t.Errorf("Error = %q", event.Error)
	}
	if !strings.Contains(event.String(), "failed: table full") {
		t.Errorf("String() = %q", event.String())
	}

	event2 := NewEvent("leaf1", pd.Add, testRoute).WithError(nil)
	if event2.Success || event2.Error != "" {
		t.Errorf("WithError(nil) = %+v", event2)
	}
}

func TestFileLogger_LogQuery(t *testing.T) {
	logger, _ := newTestLogger(t, RotationConfig{})

	nh := pd.NextHopEntry{NextHopID: 3}
	events := []*Event{
		NewEvent("leaf1", pd.Add, nh).WithSuccess(),
		NewEvent("leaf1", pd.Add, testRoute).WithSuccess(),
		NewEvent("leaf2", pd.Add, testRoute).WithError(errors.New("boom")),
		NewEvent("leaf1", pd.Remove, testRoute).WithSuccess(),
	}
	for _, ev := range events {
		if err := logger.Log(ev); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"device", Filter{Device: "leaf1"}, 3},
		{"table", Filter{Table: string(pd.TableRouteV4)}, 3},
		{"operation", Filter{Operation: "remove"}, 1},
		{"key", Filter{Key: "3"}, 1},
		{"success only", Filter{SuccessOnly: true}, 3},
		{"failure only", Filter{FailureOnly: true}, 1},
		{"limit", Filter{Limit: 2}, 2},
		{"offset", Filter{Offset: 3}, 1},
		{"offset past end", Filter{Offset: 10}, 0},
		{"future", Filter{StartTime: time.Now().Add(time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := logger.Query(tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Query(%+v) = %d events, want %d", tt.filter, len(got), tt.want)
			}
		})
	}

	got, _ := logger.Query(Filter{Offset: 3})
	if got[0].Operation != "remove" {
		t.Errorf("events out of order: %+v", got[0])
	}
}

func TestFileLogger_SkipsMalformed(t *testing.T) {
	logger, path := newTestLogger(t, RotationConfig{})
	if err := logger.Log(NewEvent("leaf1", pd.Add, testRoute).WithSuccess()); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("not json\n")
	f.Close()

	got, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Query returned %d events, want 1", len(got))
	}
}

func TestFileLogger_Rotation(t *testing.T) {
	logger, path := newTestLogger(t, RotationConfig{MaxSize: 1, MaxBackups: 2})

	for i := 0; i < 5; i++ {
		if err := logger.Log(NewEvent("leaf1", pd.Add, pd.NextHopEntry{NextHopID: uint32(i + 1)}).WithSuccess()); err != nil {
			t.Fatalf("Log %d: %v", i, err)
		}
	}

	backups, _ := filepath.Glob(path + ".*")
	if len(backups) != 2 {
		t.Errorf("%d backups, want 2: %v", len(backups), backups)
	}

	// The current file plus two backups hold the last three events.
	got, err := logger.Query(Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Query across rotations = %d events, want 3", len(got))
	}
	if got[0].Key != "3" || got[2].Key != "5" {
		t.Errorf("keys = %s..%s, want 3..5", got[0].Key, got[2].Key)
	}
}

func TestFileLogger_Closed(t *testing.T) {
	logger, _ := newTestLogger(t, RotationConfig{})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := logger.Log(NewEvent("leaf1", pd.Add, testRoute)); err == nil {
		t.Error("Log after Close succeeded")
	}
}

func TestRecorder(t *testing.T) {
	logger, _ := newTestLogger(t, RotationConfig{})
	mem := pd.NewMemoryProgrammer()
	prog := pd.Observe(mem, Recorder(logger, "leaf1", true, func(err error) { t.Errorf("audit: %v", err) }))

	ctx := context.Background()
	if err := pd.Apply(ctx, prog, pd.Add, testRoute); err != nil {
		t.Fatalf("Apply add: %v", err)
	}
	if err := pd.Apply(ctx, prog, pd.Remove, pd.NextHopEntry{NextHopID: 9}); err == nil {
		t.Fatal("removing a missing entry succeeded")
	}

	got, err := logger.Query(Filter{Device: "leaf1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("%d audit events, want 2", len(got))
	}
	if !got[0].Success || !got[0].DryRun || got[0].Fields["action"] == "" {
		t.Errorf("add event = %+v", got[0])
	}
	if got[1].Success || got[1].Error == "" {
		t.Errorf("failed remove event = %+v", got[1])
	}
}

func TestDefaultLogger(t *testing.T) {
	// No default logger yet: both calls are no-ops.
	if err := Log(NewEvent("leaf1", pd.Add, testRoute)); err != nil {
		t.Errorf("Log without default = %v", err)
	}
	if got, err := Query(Filter{}); err != nil || len(got) != 0 {
		t.Errorf("Query without default = %v, %v", got, err)
	}

	logger, _ := newTestLogger(t, RotationConfig{})
	SetDefaultLogger(logger)
	t.Cleanup(func() { defaultLogger.Store(nil) })

	if err := Log(NewEvent("leaf1", pd.Add, testRoute).WithSuccess()); err != nil {
		t.Fatalf("Log: %v", err)
	}
	got, err := Query(Filter{})
	if err != nil || len(got) != 1 {
		t.Errorf("Query = %d events, %v", len(got), err)
	}
}
