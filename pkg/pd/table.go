// Package pd defines the contract between the route/next-hop managers and the
// forwarding pipeline's table-programming layer, plus the backends that
// implement it (in-memory, Redis) and decorators for metrics and auditing.
//
// Every table mutation goes through Session.Apply with a tagged Op and an
// Entry. Entry is a closed sum type: each table kind has its own struct
// carrying its key and action payload.
package pd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Op is the direction of a table mutation.
type Op int

const (
	// Add installs an entry. Adding an existing key overwrites its action.
	Add Op = iota + 1
	// Remove deletes an entry. Removing a missing key reports ErrNotFound.
	Remove
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Remove:
		return "remove"
	}
	return "op(" + strconv.Itoa(int(o)) + ")"
}

// Table names a forwarding-table kind.
type Table string

const (
	TableNextHop    Table = "nexthop"
	TableEcmpGroup  Table = "ecmp_group"
	TableEcmpMember Table = "ecmp_member"
	TableRouteV4    Table = "route_forward_v4"
	TableRouteV6    Table = "route_forward_v6"
	TableNeighbor   Table = "neighbor"
	TableRouterMAC  Table = "router_mac"
	TableSRv6V4     Table = "srv6_forward_v4"
	TableSRv6V6     Table = "srv6_forward_v6"
)

// AllTables lists every table kind in dependency order (leaves first).
var AllTables = []Table{
	TableRouterMAC,
	TableNeighbor,
	TableNextHop,
	TableEcmpGroup,
	TableEcmpMember,
	TableRouteV4,
	TableRouteV6,
	TableSRv6V4,
	TableSRv6V6,
}

// Entry is one row of a forwarding table.
type Entry interface {
	// Table is the table kind the entry belongs to.
	Table() Table
	// Key renders the match fields as a stable string.
	Key() string
	// Fields renders the action payload.
	Fields() map[string]string

	isEntry()
}

// Programmer hands out programming sessions.
type Programmer interface {
	Open(ctx context.Context) (Session, error)
}

// Session sequences table calls for one logical operation. Callers must
// Close it on every exit path.
type Session interface {
	Apply(ctx context.Context, op Op, e Entry) error
	Close() error
}

// ============================================================================
// Entry kinds
// ============================================================================

// NextHopEntry rewrites the destination MAC and selects the egress port.
type NextHopEntry struct {
	NextHopID  uint32
	RIF        uint32
	NeighborID uint32
	DstMAC     net.HardwareAddr
	EgressPort uint32
}

func (NextHopEntry) Table() Table  { return TableNextHop }
func (e NextHopEntry) Key() string { return strconv.FormatUint(uint64(e.NextHopID), 10) }
func (e NextHopEntry) Fields() map[string]string {
	return map[string]string{
		"action":      "set_nexthop",
		"rif":         strconv.FormatUint(uint64(e.RIF), 10),
		"neighbor_id": strconv.FormatUint(uint64(e.NeighborID), 10),
		"dst_mac":     e.DstMAC.String(),
		"egress_port": strconv.FormatUint(uint64(e.EgressPort), 10),
	}
}
func (NextHopEntry) isEntry() {}

// EcmpGroupEntry is the head of a multipath group.
type EcmpGroupEntry struct {
	GroupID uint32
}

func (EcmpGroupEntry) Table() Table  { return TableEcmpGroup }
func (e EcmpGroupEntry) Key() string { return strconv.FormatUint(uint64(e.GroupID), 10) }
func (e EcmpGroupEntry) Fields() map[string]string {
	return map[string]string{"action": "ecmp_hash"}
}
func (EcmpGroupEntry) isEntry() {}

// EcmpMemberEntry binds one next-hop into a group. Weight is the number of
// times the next-hop was added to the group.
type EcmpMemberEntry struct {
	GroupID   uint32
	NextHopID uint32
	Weight    uint32
}

func (EcmpMemberEntry) Table() Table { return TableEcmpMember }
func (e EcmpMemberEntry) Key() string {
	return fmt.Sprintf("%d|%d", e.GroupID, e.NextHopID)
}
func (e EcmpMemberEntry) Fields() map[string]string {
	return map[string]string{
		"action":     "set_member",
		"nexthop_id": strconv.FormatUint(uint64(e.NextHopID), 10),
		"weight":     strconv.FormatUint(uint64(e.Weight), 10),
	}
}
func (EcmpMemberEntry) isEntry() {}

// NeighborEntry carries the L2 rewrite for a resolved adjacency.
type NeighborEntry struct {
	RIF        uint32
	NeighborID uint32
	DstMAC     net.HardwareAddr
}

func (NeighborEntry) Table() Table { return TableNeighbor }
func (e NeighborEntry) Key() string {
	return fmt.Sprintf("%d|%d", e.RIF, e.NeighborID)
}
func (e NeighborEntry) Fields() map[string]string {
	return map[string]string{
		"action":  "set_outer_mac",
		"dst_mac": e.DstMAC.String(),
	}
}
func (NeighborEntry) isEntry() {}

// RouterMACEntry terminates L3 traffic addressed to a router MAC on a port.
type RouterMACEntry struct {
	Port uint32
	MAC  net.HardwareAddr
	RIF  uint32
}

func (RouterMACEntry) Table() Table { return TableRouterMAC }
func (e RouterMACEntry) Key() string {
	return fmt.Sprintf("%d|%s", e.Port, e.MAC)
}
func (e RouterMACEntry) Fields() map[string]string {
	return map[string]string{
		"action": "rmac_hit",
		"rif":    strconv.FormatUint(uint64(e.RIF), 10),
	}
}
func (RouterMACEntry) isEntry() {}

// ============================================================================
// Route entries
// ============================================================================

// ForwardKind selects what a route entry points at.
type ForwardKind int

const (
	ForwardNextHop ForwardKind = iota + 1
	ForwardGroup
	ForwardLocal
)

func (k ForwardKind) String() string {
	switch k {
	case ForwardNextHop:
		return "set_nexthop_id"
	case ForwardGroup:
		return "ecmp_hash_action"
	case ForwardLocal:
		return "local_in"
	}
	return "unknown"
}

// RouteKey is the match half of every route-table entry.
type RouteKey struct {
	VRF    uint32
	Prefix netip.Prefix
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%d|%s", k.VRF, k.Prefix)
}

// Forward is the action half of a route-table entry. ID is the next-hop or
// group id and is zero for local delivery.
type Forward struct {
	Kind ForwardKind
	ID   uint32
}

func (f Forward) fields() map[string]string {
	m := map[string]string{"action": f.Kind.String()}
	switch f.Kind {
	case ForwardNextHop:
		m["nexthop_id"] = strconv.FormatUint(uint64(f.ID), 10)
	case ForwardGroup:
		m["group_id"] = strconv.FormatUint(uint64(f.ID), 10)
	}
	return m
}

// RouteV4Entry is an IPv4 forward-table entry.
type RouteV4Entry struct {
	RouteKey
	Forward Forward
}

func (RouteV4Entry) Table() Table                { return TableRouteV4 }
func (e RouteV4Entry) Key() string               { return e.RouteKey.String() }
func (e RouteV4Entry) Fields() map[string]string { return e.Forward.fields() }
func (RouteV4Entry) isEntry()                    {}

// RouteV6Entry is an IPv6 forward-table entry.
type RouteV6Entry struct {
	RouteKey
	Forward Forward
}

func (RouteV6Entry) Table() Table                { return TableRouteV6 }
func (e RouteV6Entry) Key() string               { return e.RouteKey.String() }
func (e RouteV6Entry) Fields() map[string]string { return e.Forward.fields() }
func (RouteV6Entry) isEntry()                    {}

// SRv6Behavior distinguishes segment-routing policy ingress from transit.
type SRv6Behavior string

const (
	SRv6Ingress SRv6Behavior = "ingress"
	SRv6Transit SRv6Behavior = "transit"
)

// SRv6V4Entry is an IPv4 prefix steered into an SRv6 policy.
type SRv6V4Entry struct {
	RouteKey
	Behavior SRv6Behavior
	Forward  Forward
}

func (SRv6V4Entry) Table() Table  { return TableSRv6V4 }
func (e SRv6V4Entry) Key() string { return e.RouteKey.String() }
func (e SRv6V4Entry) Fields() map[string]string {
	m := e.Forward.fields()
	m["behavior"] = string(e.Behavior)
	return m
}
func (SRv6V4Entry) isEntry() {}

// SRv6V6Entry is an IPv6 prefix steered into an SRv6 policy.
type SRv6V6Entry struct {
	RouteKey
	Behavior SRv6Behavior
	Forward  Forward
}

func (SRv6V6Entry) Table() Table  { return TableSRv6V6 }
func (e SRv6V6Entry) Key() string { return e.RouteKey.String() }
func (e SRv6V6Entry) Fields() map[string]string {
	m := e.Forward.fields()
	m["behavior"] = string(e.Behavior)
	return m
}
func (SRv6V6Entry) isEntry() {}

// Apply runs a single operation in its own session.
func Apply(ctx context.Context, p Programmer, op Op, e Entry) error {
	s, err := p.Open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Apply(ctx, op, e)
}
