// Package routesync turns route, neighbor and link update events into
// operations on a switchapi.Switch. Events name interfaces and gateway
// addresses; the engine maps them onto router interfaces, neighbors,
// next-hops and groups and keeps unresolved routes pending until their
// gateways become reachable.
package routesync

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// Op is the event direction.
type Op int

const (
	OpAdd Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Type is the object an event describes.
type Type int

const (
	TypeRoute Type = iota + 1
	TypeNeighbor
	TypeLink
)

func (t Type) String() string {
	switch t {
	case TypeRoute:
		return "route"
	case TypeNeighbor:
		return "neighbor"
	case TypeLink:
		return "link"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Family is an address family. The zero value means "derive from the
// addresses".
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	}
	return "any"
}

func familyOf(a netip.Addr) Family {
	if a.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// NextHop is a route gateway: an address reached through an interface.
type NextHop struct {
	Interface string
	Addr      netip.Addr
}

func (n NextHop) String() string { return n.Addr.String() + " dev " + n.Interface }

// Event is one update from the notification source.
//
// Route events use VRF, Prefix, Gateways and Action. Neighbor events use
// Interface, Addr and MAC (MAC only on add). Link events use Interface and
// optionally MAC, the router MAC to terminate on the interface.
type Event struct {
	Device    switchapi.DeviceID
	Op        Op
	Type      Type
	Family    Family
	VRF       uint32
	Prefix    netip.Prefix
	Gateways  []NextHop
	Action    switchapi.RouteAction
	Interface string
	Addr      netip.Addr
	MAC       net.HardwareAddr
}

func (e Event) String() string {
	switch e.Type {
	case TypeRoute:
		return fmt.Sprintf("%s route vrf %d %s %s via %v", e.Op, e.VRF, e.Prefix, e.Action, e.Gateways)
	case TypeNeighbor:
		return fmt.Sprintf("%s neighbor %s lladdr %s dev %s", e.Op, e.Addr, e.MAC, e.Interface)
	case TypeLink:
		return fmt.Sprintf("%s link %s address %s", e.Op, e.Interface, e.MAC)
	}
	return fmt.Sprintf("%s %s", e.Op, e.Type)
}

// Validate checks that the event carries the fields its type needs and
// that its addresses agree with its family.
func (e Event) Validate() error {
	v := &util.ValidationBuilder{}
	v.Add(e.Op == OpAdd || e.Op == OpDelete, fmt.Sprintf("unknown op %s", e.Op))
	v.Add(e.Family == 0 || e.Family == FamilyIPv4 || e.Family == FamilyIPv6, fmt.Sprintf("unknown family %d", int(e.Family)))

	checkFamily := func(what string, a netip.Addr) {
		if e.Family != 0 && a.IsValid() && familyOf(a) != e.Family {
			v.AddErrorf("%s %s is not %s", what, a, e.Family)
		}
	}

	switch e.Type {
	case TypeRoute:
		v.Add(e.Prefix.IsValid(), "route without prefix")
		checkFamily("prefix", e.Prefix.Addr())
		if e.Op == OpAdd {
			v.Add(e.Action == 0 || e.Action >= switchapi.ActionForward && e.Action <= switchapi.ActionSRv6Transit,
				fmt.Sprintf("unknown action %s", e.Action))
			for _, gw := range e.Gateways {
				v.Add(gw.Interface != "", fmt.Sprintf("gateway %s without interface", gw.Addr))
				v.Add(gw.Addr.IsValid(), "gateway without address")
			}
		}
	case TypeNeighbor:
		v.Add(e.Interface != "", "neighbor without interface")
		v.Add(e.Addr.IsValid(), "neighbor without address")
		checkFamily("neighbor", e.Addr)
		if e.Op == OpAdd {
			v.Add(util.ValidUnicastMAC(e.MAC), fmt.Sprintf("neighbor MAC %q is not unicast", e.MAC))
		}
	case TypeLink:
		v.Add(e.Interface != "", "link without interface")
		if e.MAC != nil {
			v.Add(util.ValidUnicastMAC(e.MAC), fmt.Sprintf("link MAC %q is not unicast", e.MAC))
		}
	default:
		v.AddErrorf("unknown event type %s", e.Type)
	}
	return v.Build()
}
