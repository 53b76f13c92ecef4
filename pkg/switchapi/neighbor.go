package switchapi

import (
	"bytes"
	"context"
	"net"
	"net/netip"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

type neighborKey struct {
	rif RIFHandle
	ip  netip.Addr
}

type neighbor struct {
	handle NeighborHandle
	rif    RIFHandle
	ip     netip.Addr
	mac    net.HardwareAddr
}

// NeighborInfo is a snapshot of a neighbor.
type NeighborInfo struct {
	Handle     NeighborHandle
	RIF        RIFHandle
	IP         netip.Addr
	MAC        net.HardwareAddr
	References uint32
}

func (n *neighbor) entry() pd.NeighborEntry {
	return pd.NeighborEntry{
		RIF:        Handle(n.rif).ID(),
		NeighborID: Handle(n.handle).ID(),
		DstMAC:     n.mac,
	}
}

// UpsertNeighbor binds ip to mac on a router interface. An existing binding
// for (rif, ip) is updated in place: its neighbor entry is rewritten and the
// next-hop entries referencing it are refreshed with the new MAC. If any
// refresh fails the previous MAC is restored everywhere.
func (d *Device) UpsertNeighbor(ctx context.Context, ip netip.Addr, mac net.HardwareAddr, rif RIFHandle) (NeighborHandle, error) {
	if err := d.lock("upsert neighbor"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	if _, ok := d.rifs[rif]; !ok {
		return 0, util.NewHandleError("upsert neighbor", rif.String(), "RIF")
	}
	if !ip.IsValid() {
		return 0, util.NewParameterError("upsert neighbor", "ip", "unset")
	}
	if !util.ValidUnicastMAC(mac) {
		return 0, util.NewParameterError("upsert neighbor", "mac", mac.String())
	}
	ip = ip.Unmap()

	key := neighborKey{rif: rif, ip: ip}
	if h, ok := d.nbrIndex[key]; ok {
		return h, d.updateNeighborMAC(ctx, d.neighbors[h], mac)
	}

	h, err := d.handles.allocate(KindNeighbor)
	if err != nil {
		return 0, err
	}
	n := &neighbor{
		handle: NeighborHandle(h),
		rif:    rif,
		ip:     ip,
		mac:    append(net.HardwareAddr(nil), mac...),
	}

	err = d.withSession(ctx, func(s *session) error {
		return s.add(n.entry())
	})
	if err != nil {
		d.handles.free(h)
		return 0, err
	}

	d.handles.retain(Handle(rif))
	d.neighbors[n.handle] = n
	d.nbrIndex[key] = n.handle
	util.WithDevice(d.name).Infof("Created neighbor %s %s -> %s on %s", n.handle, ip, mac, rif)
	return n.handle, nil
}

func (d *Device) updateNeighborMAC(ctx context.Context, n *neighbor, mac net.HardwareAddr) error {
	if bytes.Equal(n.mac, mac) {
		return nil
	}

	users := d.nextHopsOf(n.handle)
	oldMAC := n.mac
	newMAC := append(net.HardwareAddr(nil), mac...)

	err := d.withSession(ctx, func(s *session) error {
		updated := &neighbor{handle: n.handle, rif: n.rif, ip: n.ip, mac: newMAC}
		if err := s.add(updated.entry()); err != nil {
			return err
		}

		for i, nh := range users {
			if err := s.add(d.nextHopEntry(nh, newMAC)); err != nil {
				// Put back the rewrite info already refreshed and the
				// neighbor entry itself.
				for _, done := range users[:i] {
					if rerr := s.add(d.nextHopEntry(done, oldMAC)); rerr != nil {
						util.WithDevice(d.name).Errorf("Rollback of next-hop %s failed: %v", done.handle, rerr)
					}
				}
				if rerr := s.add(n.entry()); rerr != nil {
					util.WithDevice(d.name).Errorf("Rollback of neighbor %s failed: %v", n.handle, rerr)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	n.mac = newMAC
	util.WithDevice(d.name).Infof("Neighbor %s %s MAC %s -> %s (%d next-hops refreshed)",
		n.handle, n.ip, oldMAC, newMAC, len(users))
	return nil
}

// LookupNeighbor finds the neighbor bound to ip on a router interface.
func (d *Device) LookupNeighbor(rif RIFHandle, ip netip.Addr) (NeighborHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.nbrIndex[neighborKey{rif: rif, ip: ip.Unmap()}]
	return h, ok
}

// GetNeighbor returns the attributes of a neighbor.
func (d *Device) GetNeighbor(h NeighborHandle) (NeighborInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.neighbors[h]
	if !ok {
		return NeighborInfo{}, util.NewHandleError("get neighbor", h.String(), "")
	}
	return d.neighborInfo(n), nil
}

func (d *Device) neighborInfo(n *neighbor) NeighborInfo {
	return NeighborInfo{
		Handle:     n.handle,
		RIF:        n.rif,
		IP:         n.ip,
		MAC:        append(net.HardwareAddr(nil), n.mac...),
		References: d.handles.refs(Handle(n.handle)),
	}
}

// Neighbors returns every neighbor ordered by handle.
func (d *Device) Neighbors() []NeighborInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NeighborInfo, 0, len(d.neighbors))
	for _, h := range sortedHandles(d.neighbors) {
		out = append(out, d.neighborInfo(d.neighbors[h]))
	}
	return out
}

// DeleteNeighbor removes a neighbor no next-hop references.
func (d *Device) DeleteNeighbor(ctx context.Context, h NeighborHandle) error {
	if err := d.lock("delete neighbor"); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.deleteNeighbor(ctx, h)
}

func (d *Device) deleteNeighbor(ctx context.Context, h NeighborHandle) error {
	n, ok := d.neighbors[h]
	if !ok {
		return util.NewHandleError("delete neighbor", h.String(), "")
	}
	if refs := d.handles.refs(Handle(h)); refs > 0 {
		var users []string
		for _, nh := range d.nextHopsOf(h) {
			users = append(users, nh.handle.String())
		}
		return util.NewInUseError("neighbor "+n.ip.String(), refs, users...)
	}

	err := d.withSession(ctx, func(s *session) error {
		return s.removeGone(n.entry())
	})
	if err != nil {
		return err
	}

	d.handles.release(Handle(n.rif))
	if err := d.handles.free(Handle(h)); err != nil {
		return err
	}
	delete(d.neighbors, h)
	delete(d.nbrIndex, neighborKey{rif: n.rif, ip: n.ip})
	util.WithDevice(d.name).Infof("Deleted neighbor %s %s", h, n.ip)
	return nil
}
