package switchapi

import (
	"context"
	"fmt"
	"net"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

type routerInterface struct {
	handle  RIFHandle
	rmac    RouterMACHandle
	name    string
	port    uint32
	phyPort uint32
}

// RIFSpec describes a router interface to create.
type RIFSpec struct {
	// RouterMAC is the router MAC to terminate on this interface. Zero
	// selects the device default.
	RouterMAC RouterMACHandle
	// Interface is resolved to a port binding through the device's
	// PortResolver.
	Interface string
}

// RIFInfo is a snapshot of a router interface.
type RIFInfo struct {
	Handle     RIFHandle
	RouterMAC  RouterMACHandle
	MAC        net.HardwareAddr
	Interface  string
	PortID     uint32
	PhyPortID  uint32
	References uint32
}

func (d *Device) rmacEntry(r *routerInterface, mac net.HardwareAddr) pd.RouterMACEntry {
	return pd.RouterMACEntry{Port: r.port, MAC: mac, RIF: Handle(r.handle).ID()}
}

// CreateRIF creates a router interface bound to spec.Interface's port and
// installs its router_mac entry.
func (d *Device) CreateRIF(ctx context.Context, spec RIFSpec) (RIFHandle, error) {
	if err := d.lock("create RIF"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	if spec.Interface == "" {
		return 0, util.NewParameterError("create RIF", "interface", "empty")
	}
	if h, ok := d.rifByName[spec.Interface]; ok {
		return 0, util.NewParameterError("create RIF", "interface",
			fmt.Sprintf("%s already bound to %s", spec.Interface, h))
	}

	rmac := spec.RouterMAC
	if rmac == 0 {
		rmac = d.defaultRMAC
	}
	mac, ok := d.rmacs[rmac]
	if !ok {
		return 0, util.NewHandleError("create RIF", rmac.String(), "router MAC")
	}

	port, err := d.ports.Resolve(spec.Interface)
	if err != nil {
		return 0, fmt.Errorf("create RIF %s: %w", spec.Interface, err)
	}

	h, err := d.handles.allocate(KindRIF)
	if err != nil {
		return 0, err
	}
	r := &routerInterface{
		handle:  RIFHandle(h),
		rmac:    rmac,
		name:    spec.Interface,
		port:    port.ID,
		phyPort: port.PhyID,
	}

	err = d.withSession(ctx, func(s *session) error {
		return s.add(d.rmacEntry(r, mac.mac))
	})
	if err != nil {
		d.handles.free(h)
		return 0, err
	}

	d.handles.retain(Handle(rmac))
	d.rifs[r.handle] = r
	d.rifByName[r.name] = r.handle
	util.WithDevice(d.name).Infof("Created RIF %s on %s (port %d, phy %d, rmac %s)",
		r.handle, r.name, r.port, r.phyPort, mac.mac)
	return r.handle, nil
}

// GetRIF returns the attributes of a router interface.
func (d *Device) GetRIF(h RIFHandle) (RIFInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rifs[h]
	if !ok {
		return RIFInfo{}, util.NewHandleError("get RIF", h.String(), "")
	}
	return d.rifInfo(r), nil
}

func (d *Device) rifInfo(r *routerInterface) RIFInfo {
	return RIFInfo{
		Handle:     r.handle,
		RouterMAC:  r.rmac,
		MAC:        append(net.HardwareAddr(nil), d.rmacs[r.rmac].mac...),
		Interface:  r.name,
		PortID:     r.port,
		PhyPortID:  r.phyPort,
		References: d.handles.refs(Handle(r.handle)),
	}
}

// LookupRIF finds the router interface bound to an interface name.
func (d *Device) LookupRIF(name string) (RIFHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.rifByName[name]
	return h, ok
}

// RIFs returns every router interface ordered by handle.
func (d *Device) RIFs() []RIFInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RIFInfo, 0, len(d.rifs))
	for _, h := range sortedHandles(d.rifs) {
		out = append(out, d.rifInfo(d.rifs[h]))
	}
	return out
}

// DeleteRIF removes a router interface nothing references.
func (d *Device) DeleteRIF(ctx context.Context, h RIFHandle) error {
	if err := d.lock("delete RIF"); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.deleteRIF(ctx, h)
}

func (d *Device) deleteRIF(ctx context.Context, h RIFHandle) error {
	r, ok := d.rifs[h]
	if !ok {
		return util.NewHandleError("delete RIF", h.String(), "")
	}
	if refs := d.handles.refs(Handle(h)); refs > 0 {
		return util.NewInUseError("RIF "+h.String(), refs, d.rifUsers(h)...)
	}

	err := d.withSession(ctx, func(s *session) error {
		return s.removeGone(d.rmacEntry(r, d.rmacs[r.rmac].mac))
	})
	if err != nil {
		return err
	}

	d.handles.release(Handle(r.rmac))
	if err := d.handles.free(Handle(h)); err != nil {
		return err
	}
	delete(d.rifs, h)
	delete(d.rifByName, r.name)
	util.WithDevice(d.name).Infof("Deleted RIF %s (%s)", h, r.name)
	return nil
}

func (d *Device) rifUsers(h RIFHandle) []string {
	var users []string
	for _, nh := range sortedHandles(d.neighbors) {
		if d.neighbors[nh].rif == h {
			users = append(users, nh.String())
		}
	}
	for _, nh := range sortedHandles(d.nexthops) {
		if d.nexthops[nh].rif == h {
			users = append(users, nh.String())
		}
	}
	for _, key := range sortedRouteKeys(d.routes) {
		for _, gw := range d.routes[key].via {
			if gw.RIF == h {
				users = append(users, "route "+key.String())
				break
			}
		}
	}
	return users
}

// SetRIFRouterMAC moves a router interface to another router MAC. The new
// router_mac entry is installed before the old one is removed.
func (d *Device) SetRIFRouterMAC(ctx context.Context, h RIFHandle, rmac RouterMACHandle) error {
	if err := d.lock("set RIF router MAC"); err != nil {
		return err
	}
	defer d.mu.Unlock()

	r, ok := d.rifs[h]
	if !ok {
		return util.NewHandleError("set RIF router MAC", h.String(), "")
	}
	next, ok := d.rmacs[rmac]
	if !ok {
		return util.NewHandleError("set RIF router MAC", rmac.String(), "router MAC")
	}
	if rmac == r.rmac {
		return nil
	}
	prev := d.rmacs[r.rmac]

	err := d.withSession(ctx, func(s *session) error {
		newEntry := d.rmacEntry(r, next.mac)
		if err := s.add(newEntry); err != nil {
			return err
		}
		if err := s.removeGone(d.rmacEntry(r, prev.mac)); err != nil {
			if rerr := s.remove(newEntry); rerr != nil {
				util.WithDevice(d.name).Errorf("Rollback of %s[%s] failed: %v", newEntry.Table(), newEntry.Key(), rerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.handles.retain(Handle(rmac))
	d.handles.release(Handle(r.rmac))
	util.WithDevice(d.name).Infof("RIF %s router MAC %s -> %s", h, prev.mac, next.mac)
	r.rmac = rmac
	return nil
}
