package switchapi

import (
	"context"
	"fmt"
	"net"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

type nextHop struct {
	handle   NextHopHandle
	neighbor NeighborHandle
	rif      RIFHandle
	// transient next-hops are created by route resolution and deleted when
	// their last reference goes away.
	transient bool
}

// NextHopInfo is a snapshot of a next-hop.
type NextHopInfo struct {
	Handle     NextHopHandle
	Neighbor   NeighborHandle
	RIF        RIFHandle
	Transient  bool
	References uint32
}

func (d *Device) nextHopEntry(nh *nextHop, mac net.HardwareAddr) pd.NextHopEntry {
	return pd.NextHopEntry{
		NextHopID:  Handle(nh.handle).ID(),
		RIF:        Handle(nh.rif).ID(),
		NeighborID: Handle(nh.neighbor).ID(),
		DstMAC:     mac,
		EgressPort: d.rifs[nh.rif].port,
	}
}

// nextHopsOf returns the next-hops that rewrite with neighbor n, ordered by
// handle.
func (d *Device) nextHopsOf(n NeighborHandle) []*nextHop {
	var out []*nextHop
	for _, h := range sortedHandles(d.nexthops) {
		if nh := d.nexthops[h]; nh.neighbor == n {
			out = append(out, nh)
		}
	}
	return out
}

// CreateNextHop creates a next-hop forwarding through neighbor on rif and
// installs its next-hop entry. The neighbor must be bound to rif.
func (d *Device) CreateNextHop(ctx context.Context, neighbor NeighborHandle, rif RIFHandle) (NextHopHandle, error) {
	if err := d.lock("create next-hop"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.createNextHop(ctx, neighbor, rif, false)
}

func (d *Device) createNextHop(ctx context.Context, neighbor NeighborHandle, rif RIFHandle, transient bool) (NextHopHandle, error) {
	n, ok := d.neighbors[neighbor]
	if !ok {
		return 0, util.NewHandleError("create next-hop", neighbor.String(), "neighbor")
	}
	if _, ok := d.rifs[rif]; !ok {
		return 0, util.NewHandleError("create next-hop", rif.String(), "RIF")
	}
	if n.rif != rif {
		return 0, util.NewParameterError("create next-hop", "neighbor",
			fmt.Sprintf("%s is on %s, not %s", neighbor, n.rif, rif))
	}

	h, err := d.handles.allocate(KindNextHop)
	if err != nil {
		return 0, err
	}
	nh := &nextHop{handle: NextHopHandle(h), neighbor: neighbor, rif: rif, transient: transient}

	err = d.withSession(ctx, func(s *session) error {
		return s.add(d.nextHopEntry(nh, n.mac))
	})
	if err != nil {
		d.handles.free(h)
		return 0, err
	}

	d.handles.retain(Handle(neighbor))
	d.handles.retain(Handle(rif))
	d.nexthops[nh.handle] = nh
	util.WithDevice(d.name).Infof("Created next-hop %s via %s (%s) on %s", nh.handle, n.ip, n.mac, rif)
	return nh.handle, nil
}

// FindNextHop returns the lowest next-hop forwarding through neighbor on rif.
func (d *Device) FindNextHop(neighbor NeighborHandle, rif RIFHandle) (NextHopHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findNextHop(neighbor, rif)
}

func (d *Device) findNextHop(neighbor NeighborHandle, rif RIFHandle) (NextHopHandle, bool) {
	for _, nh := range d.nextHopsOf(neighbor) {
		if nh.rif == rif {
			return nh.handle, true
		}
	}
	return 0, false
}

// GetNextHop returns the attributes of a next-hop.
func (d *Device) GetNextHop(h NextHopHandle) (NextHopInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nh, ok := d.nexthops[h]
	if !ok {
		return NextHopInfo{}, util.NewHandleError("get next-hop", h.String(), "")
	}
	return d.nextHopInfo(nh), nil
}

func (d *Device) nextHopInfo(nh *nextHop) NextHopInfo {
	return NextHopInfo{
		Handle:     nh.handle,
		Neighbor:   nh.neighbor,
		RIF:        nh.rif,
		Transient:  nh.transient,
		References: d.handles.refs(Handle(nh.handle)),
	}
}

// NextHops returns every next-hop ordered by handle.
func (d *Device) NextHops() []NextHopInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NextHopInfo, 0, len(d.nexthops))
	for _, h := range sortedHandles(d.nexthops) {
		out = append(out, d.nextHopInfo(d.nexthops[h]))
	}
	return out
}

// DeleteNextHop removes a next-hop no group or route references.
func (d *Device) DeleteNextHop(ctx context.Context, h NextHopHandle) error {
	if err := d.lock("delete next-hop"); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.deleteNextHop(ctx, h)
}

func (d *Device) deleteNextHop(ctx context.Context, h NextHopHandle) error {
	nh, ok := d.nexthops[h]
	if !ok {
		return util.NewHandleError("delete next-hop", h.String(), "")
	}
	if refs := d.handles.refs(Handle(h)); refs > 0 {
		return util.NewInUseError("next-hop "+h.String(), refs, d.nextHopUsers(h)...)
	}

	err := d.withSession(ctx, func(s *session) error {
		return s.removeGone(d.nextHopEntry(nh, nil))
	})
	if err != nil {
		return err
	}

	d.handles.release(Handle(nh.neighbor))
	d.handles.release(Handle(nh.rif))
	if err := d.handles.free(Handle(h)); err != nil {
		return err
	}
	delete(d.nexthops, h)
	util.WithHandle(d.name, h).Info("Deleted next-hop")
	return nil
}

func (d *Device) nextHopUsers(h NextHopHandle) []string {
	var users []string
	for _, gh := range sortedHandles(d.groups) {
		if d.groups[gh].weight(h) > 0 {
			users = append(users, gh.String())
		}
	}
	for _, key := range sortedRouteKeys(d.routes) {
		if t, ok := d.routes[key].target.(NextHopTarget); ok && t.NextHop == h {
			users = append(users, "route "+key.String())
		}
	}
	return users
}

// reapNextHop deletes a transient next-hop once nothing references it.
// Failures are logged and the next-hop stays tracked.
func (d *Device) reapNextHop(ctx context.Context, h NextHopHandle) {
	nh, ok := d.nexthops[h]
	if !ok || !nh.transient || d.handles.refs(Handle(h)) > 0 {
		return
	}
	if err := d.deleteNextHop(ctx, h); err != nil {
		util.WithDevice(d.name).Warnf("Releasing transient next-hop %s: %v", h, err)
	}
}
