// Package audit records forwarding-table mutations as a JSON-lines trail.
package audit

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/newtron-network/fibsync/pkg/pd"
)

// Event is one applied (or refused) table operation.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Device    string            `json:"device"`
	Operation string            `json:"operation"` // "add" or "remove"
	Table     string            `json:"table"`
	Key       string            `json:"key"`
	Fields    map[string]string `json:"fields,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	DryRun    bool              `json:"dry_run,omitempty"`
}

// Filter defines criteria for querying audit events
type Filter struct {
	Device      string
	Operation   string
	Table       string
	Key         string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates an audit event for a table operation.
func NewEvent(device string, op pd.Op, e pd.Entry) *Event {
	ev := &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		Device:    device,
		Operation: op.String(),
		Table:     string(e.Table()),
		Key:       e.Key(),
	}
	if op == pd.Add {
		ev.Fields = e.Fields()
	}
	return ev
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDryRun marks an operation applied to the in-memory backend only.
func (e *Event) WithDryRun(dryRun bool) *Event {
	e.DryRun = dryRun
	return e
}

func (e *Event) String() string {
	status := "ok"
	if !e.Success {
		status = "failed: " + e.Error
	}
	return fmt.Sprintf("%s %s %s[%s] %s", e.Timestamp.Format(time.RFC3339), e.Device, e.Operation, e.Table+"|"+e.Key, status)
}

var seq atomic.Uint64

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq.Add(1))
}

// Recorder returns an observer that logs every table operation on device
// to l. Logging failures are reported to onErr when it is non-nil.
func Recorder(l Logger, device string, dryRun bool, onErr func(error)) pd.ObserverFunc {
	return func(op pd.Op, e pd.Entry, err error) {
		ev := NewEvent(device, op, e).WithDryRun(dryRun)
		if err != nil {
			ev.WithError(err)
		} else {
			ev.WithSuccess()
		}
		if lerr := l.Log(ev); lerr != nil && onErr != nil {
			onErr(lerr)
		}
	}
}
