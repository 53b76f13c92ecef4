package pd

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/newtron-network/fibsync/pkg/util"
)

// Record is one applied (or attempted) operation in a MemoryProgrammer's
// history.
type Record struct {
	Op    Op
	Table Table
	Key   string
	Err   error
}

func (r Record) String() string {
	s := fmt.Sprintf("%s %s[%s]", r.Op, r.Table, r.Key)
	if r.Err != nil {
		s += " failed: " + r.Err.Error()
	}
	return s
}

// FaultFunc is consulted before every operation; a non-nil return fails the
// operation without touching the tables.
type FaultFunc func(op Op, e Entry) error

// MemoryProgrammer keeps forwarding tables in memory. It backs dry runs and
// unit tests, and can inject failures on chosen operations.
type MemoryProgrammer struct {
	mu       sync.Mutex
	tables   map[Table]map[string]Entry
	history  []Record
	fault    FaultFunc
	sessions int
}

// NewMemoryProgrammer creates an empty in-memory table store.
func NewMemoryProgrammer() *MemoryProgrammer {
	return &MemoryProgrammer{tables: make(map[Table]map[string]Entry)}
}

// FailWhen installs a fault hook. The hook runs without the store lock held
// so it may inspect the tables.
func (m *MemoryProgrammer) FailWhen(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Open returns a session on the store.
func (m *MemoryProgrammer) Open(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions++
	return &memorySession{m: m}, nil
}

// OpenSessions returns the number of sessions not yet closed.
func (m *MemoryProgrammer) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions
}

// Get returns the entry stored under table/key.
func (m *MemoryProgrammer) Get(table Table, key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[table][key]
	return e, ok
}

// Entries returns a table's entries sorted by key.
func (m *MemoryProgrammer) Entries(table Table) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tables[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k])
	}
	return out
}

// Len returns the number of entries in a table.
func (m *MemoryProgrammer) Len(table Table) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Total returns the number of entries across all tables.
func (m *MemoryProgrammer) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rows := range m.tables {
		n += len(rows)
	}
	return n
}

// History returns a copy of every operation attempted so far.
func (m *MemoryProgrammer) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// ResetHistory clears the operation history, leaving tables intact.
func (m *MemoryProgrammer) ResetHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

func (m *MemoryProgrammer) apply(op Op, e Entry) error {
	m.mu.Lock()
	fault := m.fault
	m.mu.Unlock()

	var err error
	if fault != nil {
		if ferr := fault(op, e); ferr != nil {
			err = util.NewTableError(op.String(), string(e.Table()), e.Key(), ferr)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		err = m.mutate(op, e)
	}
	m.history = append(m.history, Record{Op: op, Table: e.Table(), Key: e.Key(), Err: err})
	return err
}

func (m *MemoryProgrammer) mutate(op Op, e Entry) error {
	rows := m.tables[e.Table()]
	switch op {
	case Add:
		if rows == nil {
			rows = make(map[string]Entry)
			m.tables[e.Table()] = rows
		}
		rows[e.Key()] = e
		return nil
	case Remove:
		if _, ok := rows[e.Key()]; !ok {
			return util.NewTableError(op.String(), string(e.Table()), e.Key(), util.ErrNotFound)
		}
		delete(rows, e.Key())
		return nil
	}
	return util.NewTableError(op.String(), string(e.Table()), e.Key(), fmt.Errorf("unsupported op"))
}

type memorySession struct {
	m      *MemoryProgrammer
	closed bool
}

func (s *memorySession) Apply(ctx context.Context, op Op, e Entry) error {
	if s.closed {
		return util.NewTableError(op.String(), string(e.Table()), e.Key(), fmt.Errorf("session closed"))
	}
	return s.m.apply(op, e)
}

func (s *memorySession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.m.mu.Lock()
	s.m.sessions--
	s.m.mu.Unlock()
	return nil
}
