package switchapi

import (
	"container/heap"
	"fmt"

	"github.com/newtron-network/fibsync/pkg/util"
)

// Kind is the object kind a handle belongs to.
type Kind uint8

const (
	KindRouterMAC Kind = iota + 1
	KindRIF
	KindNeighbor
	KindNextHop
	KindGroup
	KindRoute

	kindCount = int(KindRoute) + 1
)

var kindNames = [...]string{
	KindRouterMAC: "rmac",
	KindRIF:       "rif",
	KindNeighbor:  "neighbor",
	KindNextHop:   "nexthop",
	KindGroup:     "group",
	KindRoute:     "route",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// ParseKind returns the kind with the given String form.
func ParseKind(s string) (Kind, error) {
	for k := KindRouterMAC; int(k) < kindCount; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return 0, util.NewParameterError("parse kind", "kind", s)
}

// DefaultCapacity is the per-device pool size of each kind.
var DefaultCapacity = map[Kind]uint32{
	KindRouterMAC: 512,
	KindRIF:       16384,
	KindNeighbor:  65536,
	KindNextHop:   65536,
	KindGroup:     4096,
	KindRoute:     1 << 20,
}

// Handle is an opaque device-scoped object reference: the kind in the upper
// 32 bits and a 1-based index in the lower 32. The zero Handle refers to
// nothing.
type Handle uint64

func makeHandle(k Kind, id uint32) Handle {
	return Handle(uint64(k)<<32 | uint64(id))
}

// Kind returns the object kind encoded in h.
func (h Handle) Kind() Kind { return Kind(h >> 32) }

// ID returns the index encoded in h. It doubles as the table id of the
// object in the forwarding pipeline.
func (h Handle) ID() uint32 { return uint32(h) }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == 0 }

func (h Handle) String() string {
	if h == 0 {
		return "none"
	}
	return fmt.Sprintf("%s:0x%x", h.Kind(), h.ID())
}

// Typed handles. Each manager only accepts its own kind.
type (
	RouterMACHandle Handle
	RIFHandle       Handle
	NeighborHandle  Handle
	NextHopHandle   Handle
	GroupHandle     Handle
	RouteHandle     Handle
)

func (h RouterMACHandle) String() string { return Handle(h).String() }
func (h RIFHandle) String() string       { return Handle(h).String() }
func (h NeighborHandle) String() string  { return Handle(h).String() }
func (h NextHopHandle) String() string   { return Handle(h).String() }
func (h GroupHandle) String() string     { return Handle(h).String() }
func (h RouteHandle) String() string     { return Handle(h).String() }

// ============================================================================
// Allocator
// ============================================================================

type slot struct {
	live bool
	refs uint32
}

// idHeap hands back freed ids lowest-first.
type idHeap []uint32

func (h idHeap) Len() int            { return len(h) }
func (h idHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *idHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type pool struct {
	kind     Kind
	capacity uint32
	next     uint32 // next never-issued id
	freed    idHeap
	slots    map[uint32]*slot
}

// allocator issues handles for one device and owns the reference count of
// every live handle. Only managers of the owning Device mutate it, always
// under the device lock.
type allocator struct {
	pools [kindCount]*pool
}

func newAllocator(capacity map[Kind]uint32) *allocator {
	a := &allocator{}
	for k := KindRouterMAC; k <= KindRoute; k++ {
		c, ok := capacity[k]
		if !ok {
			c = DefaultCapacity[k]
		}
		a.pools[k] = &pool{
			kind:     k,
			capacity: c,
			next:     1,
			slots:    make(map[uint32]*slot),
		}
	}
	return a
}

func (a *allocator) pool(k Kind) *pool {
	if int(k) <= 0 || int(k) >= kindCount {
		return nil
	}
	return a.pools[k]
}

// allocate issues a fresh handle of kind k. Freed ids are reused lowest-first
// before new ids are issued.
func (a *allocator) allocate(k Kind) (Handle, error) {
	p := a.pool(k)
	if p == nil {
		return 0, util.NewParameterError("allocate", "kind", k.String())
	}

	var id uint32
	switch {
	case p.freed.Len() > 0:
		id = heap.Pop(&p.freed).(uint32)
	case p.next <= p.capacity:
		id = p.next
		p.next++
	default:
		return 0, fmt.Errorf("allocate %s: %d of %d in use: %w", k, len(p.slots), p.capacity, util.ErrNoMemory)
	}

	p.slots[id] = &slot{live: true}
	return makeHandle(k, id), nil
}

func (a *allocator) lookup(h Handle) *slot {
	p := a.pool(h.Kind())
	if p == nil {
		return nil
	}
	s := p.slots[h.ID()]
	if s == nil || !s.live {
		return nil
	}
	return s
}

// valid reports whether h is live and of kind k.
func (a *allocator) valid(h Handle, k Kind) bool {
	return h.Kind() == k && a.lookup(h) != nil
}

// free releases h. It fails with ErrNotFound if h is not live and with
// ErrInUse if anything still references it.
func (a *allocator) free(h Handle) error {
	s := a.lookup(h)
	if s == nil {
		return fmt.Errorf("free %s: %w", h, util.ErrNotFound)
	}
	if s.refs > 0 {
		return util.NewInUseError(h.String(), s.refs)
	}
	p := a.pools[h.Kind()]
	delete(p.slots, h.ID())
	heap.Push(&p.freed, h.ID())
	return nil
}

func (a *allocator) retain(h Handle) {
	if s := a.lookup(h); s != nil {
		s.refs++
	}
}

// release drops one reference and returns the remaining count.
func (a *allocator) release(h Handle) uint32 {
	s := a.lookup(h)
	if s == nil {
		return 0
	}
	if s.refs == 0 {
		util.Warnf("release of %s with zero references", h)
		return 0
	}
	s.refs--
	return s.refs
}

func (a *allocator) refs(h Handle) uint32 {
	if s := a.lookup(h); s != nil {
		return s.refs
	}
	return 0
}

// inUse returns the number of live handles of kind k.
func (a *allocator) inUse(k Kind) int {
	if p := a.pool(k); p != nil {
		return len(p.slots)
	}
	return 0
}
