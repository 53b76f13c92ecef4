package switchapi

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

// ============================================================================
// Route actions and targets
// ============================================================================

// RouteAction is the forwarding behavior requested for a route. It selects
// the table family together with the prefix's address family.
type RouteAction int

const (
	ActionForward RouteAction = iota + 1
	ActionLocalDelivery
	ActionSRv6Ingress
	ActionSRv6Transit
)

func (a RouteAction) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionLocalDelivery:
		return "local"
	case ActionSRv6Ingress:
		return "srv6-ingress"
	case ActionSRv6Transit:
		return "srv6-transit"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseRouteAction parses the String form of an action. The empty string
// means ActionForward.
func ParseRouteAction(s string) (RouteAction, error) {
	switch strings.ToLower(s) {
	case "", "forward":
		return ActionForward, nil
	case "local", "local-delivery":
		return ActionLocalDelivery, nil
	case "srv6-ingress":
		return ActionSRv6Ingress, nil
	case "srv6-transit":
		return ActionSRv6Transit, nil
	}
	return 0, util.NewParameterError("parse action", "action", s)
}

func (a RouteAction) valid() bool {
	return a >= ActionForward && a <= ActionSRv6Transit
}

// Target is what a route resolves to: NextHopTarget, GroupTarget,
// LocalTarget or UnresolvedTarget.
type Target interface {
	String() string
	isTarget()
}

// NextHopTarget forwards through a single next-hop.
type NextHopTarget struct{ NextHop NextHopHandle }

// GroupTarget forwards through an ECMP group.
type GroupTarget struct{ Group GroupHandle }

// LocalTarget delivers to the local host.
type LocalTarget struct{}

// UnresolvedTarget is a route known in software with no forwarding entry.
type UnresolvedTarget struct{}

func (t NextHopTarget) String() string  { return "nexthop " + t.NextHop.String() }
func (t GroupTarget) String() string    { return "group " + t.Group.String() }
func (LocalTarget) String() string      { return "local" }
func (UnresolvedTarget) String() string { return "unresolved" }

func (NextHopTarget) isTarget()    {}
func (GroupTarget) isTarget()      {}
func (LocalTarget) isTarget()      {}
func (UnresolvedTarget) isTarget() {}

// Gateway is a next-hop address reachable on a router interface.
type Gateway struct {
	RIF RIFHandle
	IP  netip.Addr
}

func (g Gateway) String() string { return g.IP.String() + "@" + g.RIF.String() }

func (g Gateway) neighborKey() neighborKey { return neighborKey{rif: g.RIF, ip: g.IP.Unmap()} }

// ============================================================================
// Route state
// ============================================================================

type route struct {
	handle    RouteHandle
	key       pd.RouteKey
	action    RouteAction
	target    Target
	installed pd.Entry // nil while unresolved
	via       []Gateway
}

// RouteSpec is a route with an explicit target.
type RouteSpec struct {
	VRF    uint32
	Prefix netip.Prefix
	Action RouteAction
	Target Target
}

// RouteVia is a route given by its gateways. The device resolves the
// gateways to a next-hop or group, creating transient ones as needed.
type RouteVia struct {
	VRF      uint32
	Prefix   netip.Prefix
	Action   RouteAction
	Gateways []Gateway
}

// RouteInfo is a snapshot of a route.
type RouteInfo struct {
	Handle   RouteHandle
	VRF      uint32
	Prefix   netip.Prefix
	Action   RouteAction
	Target   Target
	Table    pd.Table // empty while unresolved
	Gateways []Gateway
}

func routeKey(op string, vrf uint32, prefix netip.Prefix) (pd.RouteKey, error) {
	if !prefix.IsValid() {
		return pd.RouteKey{}, util.NewParameterError(op, "prefix", "unset")
	}
	return pd.RouteKey{VRF: vrf, Prefix: netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked()}, nil
}

// routeEntry builds the table entry for a route; nil for an unresolved
// target.
func routeEntry(key pd.RouteKey, action RouteAction, target Target) pd.Entry {
	var fwd pd.Forward
	switch t := target.(type) {
	case NextHopTarget:
		fwd = pd.Forward{Kind: pd.ForwardNextHop, ID: Handle(t.NextHop).ID()}
	case GroupTarget:
		fwd = pd.Forward{Kind: pd.ForwardGroup, ID: Handle(t.Group).ID()}
	case LocalTarget:
		fwd = pd.Forward{Kind: pd.ForwardLocal}
	default:
		return nil
	}

	v4 := key.Prefix.Addr().Is4()
	switch action {
	case ActionSRv6Ingress, ActionSRv6Transit:
		behavior := pd.SRv6Ingress
		if action == ActionSRv6Transit {
			behavior = pd.SRv6Transit
		}
		if v4 {
			return pd.SRv6V4Entry{RouteKey: key, Behavior: behavior, Forward: fwd}
		}
		return pd.SRv6V6Entry{RouteKey: key, Behavior: behavior, Forward: fwd}
	}
	if v4 {
		return pd.RouteV4Entry{RouteKey: key, Forward: fwd}
	}
	return pd.RouteV6Entry{RouteKey: key, Forward: fwd}
}

func (d *Device) validateTarget(op string, action RouteAction, target Target) error {
	if !action.valid() {
		return util.NewParameterError(op, "action", action.String())
	}
	switch t := target.(type) {
	case NextHopTarget:
		if _, ok := d.nexthops[t.NextHop]; !ok {
			return util.NewHandleError(op, t.NextHop.String(), "next-hop")
		}
	case GroupTarget:
		if _, ok := d.groups[t.Group]; !ok {
			return util.NewHandleError(op, t.Group.String(), "group")
		}
	case LocalTarget, UnresolvedTarget:
	default:
		return util.NewParameterError(op, "target", "unset")
	}

	_, local := target.(LocalTarget)
	if local != (action == ActionLocalDelivery) {
		if _, unresolved := target.(UnresolvedTarget); !unresolved {
			return util.NewParameterError(op, "target",
				fmt.Sprintf("%s is not valid for action %s", target, action))
		}
	}
	return nil
}

func (d *Device) retainTarget(t Target) {
	switch t := t.(type) {
	case NextHopTarget:
		d.handles.retain(Handle(t.NextHop))
	case GroupTarget:
		d.handles.retain(Handle(t.Group))
	}
}

func (d *Device) releaseTarget(t Target) {
	switch t := t.(type) {
	case NextHopTarget:
		d.handles.release(Handle(t.NextHop))
	case GroupTarget:
		d.handles.release(Handle(t.Group))
	}
}

// reapTarget deletes t if it is a transient object nothing references.
func (d *Device) reapTarget(ctx context.Context, t Target) {
	switch t := t.(type) {
	case NextHopTarget:
		d.reapNextHop(ctx, t.NextHop)
	case GroupTarget:
		d.reapGroup(ctx, t.Group)
	}
}

// ============================================================================
// Operations
// ============================================================================

// AddRoute installs or updates a route with an explicit target.
//
// Re-adding a route with the same action and target changes nothing. When
// the target or action changes, the new entry is installed first: in place
// when the key stays in the same table, otherwise in the new table followed
// by removal of the old entry. The previous target is released only after
// the new entry is installed. A route moved to UnresolvedTarget loses its
// entry.
func (d *Device) AddRoute(ctx context.Context, spec RouteSpec) error {
	if err := d.lock("add route"); err != nil {
		return err
	}
	defer d.mu.Unlock()

	key, err := routeKey("add route", spec.VRF, spec.Prefix)
	if err != nil {
		return err
	}
	if err := d.validateTarget("add route", spec.Action, spec.Target); err != nil {
		return err
	}
	return d.setRoute(ctx, key, spec.Action, spec.Target, nil)
}

// AddRouteVia installs or updates a route given by gateways and returns the
// target it resolved to. One gateway resolves to a next-hop and several to
// an ECMP group; existing objects with the same members are shared, missing
// ones are created as transient and deleted with their last route. If a
// gateway has no neighbor yet the route is recorded as unresolved, to be
// installed by ResolvePending.
func (d *Device) AddRouteVia(ctx context.Context, via RouteVia) (Target, error) {
	if err := d.lock("add route"); err != nil {
		return nil, err
	}
	defer d.mu.Unlock()

	key, err := routeKey("add route", via.VRF, via.Prefix)
	if err != nil {
		return nil, err
	}
	if !via.Action.valid() {
		return nil, util.NewParameterError("add route", "action", via.Action.String())
	}
	gws := append([]Gateway(nil), via.Gateways...)

	target, err := d.resolveGateways(ctx, via.Action, gws)
	if err != nil {
		return nil, err
	}
	if err := d.setRoute(ctx, key, via.Action, target, gws); err != nil {
		return nil, err
	}
	return target, nil
}

// resolveGateways maps gateways onto a target, creating transient
// next-hops and groups as needed. Newly created objects are released again
// if a later step fails.
func (d *Device) resolveGateways(ctx context.Context, action RouteAction, gws []Gateway) (Target, error) {
	if len(gws) == 0 {
		if action == ActionLocalDelivery {
			return LocalTarget{}, nil
		}
		return nil, util.NewParameterError("add route", "gateways", "none for action "+action.String())
	}
	if action == ActionLocalDelivery {
		return nil, util.NewParameterError("add route", "gateways", "local delivery takes no gateways")
	}

	for _, gw := range gws {
		if _, ok := d.rifs[gw.RIF]; !ok {
			return nil, util.NewHandleError("add route", gw.RIF.String(), "RIF")
		}
		if !gw.IP.IsValid() {
			return nil, util.NewParameterError("add route", "gateway", "unset address")
		}
	}

	nbrs := make([]NeighborHandle, len(gws))
	for i, gw := range gws {
		h, ok := d.nbrIndex[gw.neighborKey()]
		if !ok {
			return UnresolvedTarget{}, nil
		}
		nbrs[i] = h
	}

	var created []NextHopHandle
	cleanup := func() {
		for _, h := range created {
			d.reapNextHop(ctx, h)
		}
	}

	members := make([]NextHopHandle, len(gws))
	for i, gw := range gws {
		h, ok := d.findNextHop(nbrs[i], gw.RIF)
		if !ok {
			var err error
			h, err = d.createNextHop(ctx, nbrs[i], gw.RIF, true)
			if err != nil {
				cleanup()
				return nil, err
			}
			created = append(created, h)
		}
		members[i] = h
	}

	if len(members) == 1 {
		return NextHopTarget{NextHop: members[0]}, nil
	}
	if g, ok := d.findGroup(members); ok {
		cleanup()
		return GroupTarget{Group: g}, nil
	}
	g, err := d.createGroup(ctx, members, true)
	if err != nil {
		cleanup()
		return nil, err
	}
	return GroupTarget{Group: g}, nil
}

func (d *Device) setRoute(ctx context.Context, key pd.RouteKey, action RouteAction, target Target, via []Gateway) error {
	log := util.WithDevice(d.name)
	old := d.routes[key]
	if old != nil && old.action == action && old.target == target {
		d.dropGateways(key, old.via)
		old.via = via
		d.holdGateways(key, target, via)
		return nil
	}

	var rh RouteHandle
	if old != nil {
		rh = old.handle
	} else {
		h, err := d.handles.allocate(KindRoute)
		if err != nil {
			d.reapTarget(ctx, target)
			return err
		}
		rh = RouteHandle(h)
	}

	newEntry := routeEntry(key, action, target)
	d.retainTarget(target)

	err := d.withSession(ctx, func(s *session) error {
		if newEntry != nil {
			if err := s.add(newEntry); err != nil {
				return err
			}
		}
		if old == nil || old.installed == nil {
			return nil
		}
		if newEntry != nil && newEntry.Table() == old.installed.Table() {
			// Overwritten in place by the add above.
			return nil
		}
		if err := s.removeGone(old.installed); err != nil {
			if newEntry != nil {
				if rerr := s.remove(newEntry); rerr != nil {
					log.Errorf("Rollback of %s[%s] failed: %v", newEntry.Table(), newEntry.Key(), rerr)
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		d.releaseTarget(target)
		d.reapTarget(ctx, target)
		if old == nil {
			d.handles.free(Handle(rh))
		}
		return err
	}

	var prev Target
	if old == nil {
		old = &route{handle: rh, key: key}
		d.routes[key] = old
	} else {
		prev = old.target
		d.dropGateways(key, old.via)
	}
	old.action = action
	old.target = target
	old.installed = newEntry
	old.via = via
	d.holdGateways(key, target, via)

	if prev != nil {
		d.releaseTarget(prev)
		d.reapTarget(ctx, prev)
		log.Infof("Route %s %s: %s -> %s", key, action, prev, target)
	} else {
		log.Infof("Route %s %s: %s", key, action, target)
	}
	return nil
}

// DeleteRoute removes a route, releasing its target. Deleting a route that
// does not exist is a no-op.
func (d *Device) DeleteRoute(ctx context.Context, vrf uint32, prefix netip.Prefix) error {
	if err := d.lock("delete route"); err != nil {
		return err
	}
	defer d.mu.Unlock()

	key, err := routeKey("delete route", vrf, prefix)
	if err != nil {
		return err
	}
	return d.deleteRoute(ctx, key)
}

func (d *Device) deleteRoute(ctx context.Context, key pd.RouteKey) error {
	r, ok := d.routes[key]
	if !ok {
		return nil
	}

	if r.installed != nil {
		err := d.withSession(ctx, func(s *session) error {
			return s.removeGone(r.installed)
		})
		if err != nil {
			return err
		}
	}

	d.releaseTarget(r.target)
	d.dropGateways(key, r.via)
	if err := d.handles.free(Handle(r.handle)); err != nil {
		return err
	}
	delete(d.routes, key)
	util.WithDevice(d.name).Infof("Route %s deleted (was %s)", key, r.target)
	d.reapTarget(ctx, r.target)
	return nil
}

// holdGateways references every RIF a route names, so the RIF cannot be
// deleted and its handle reused while the route exists. An unresolved route
// is also indexed under each gateway it waits for.
func (d *Device) holdGateways(key pd.RouteKey, target Target, via []Gateway) {
	for _, gw := range via {
		d.handles.retain(Handle(gw.RIF))
	}
	if _, ok := target.(UnresolvedTarget); !ok {
		return
	}
	for _, gw := range via {
		k := gw.neighborKey()
		if d.pending[k] == nil {
			d.pending[k] = make(map[pd.RouteKey]struct{})
		}
		d.pending[k][key] = struct{}{}
	}
}

func (d *Device) dropGateways(key pd.RouteKey, via []Gateway) {
	for _, gw := range via {
		d.handles.release(Handle(gw.RIF))
		k := gw.neighborKey()
		if set, ok := d.pending[k]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(d.pending, k)
			}
		}
	}
}

// ResolvePending retries gateway resolution for every unresolved route and
// installs those whose neighbors are now known. It returns the number of
// routes installed.
func (d *Device) ResolvePending(ctx context.Context) (int, error) {
	if err := d.lock("resolve pending"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	keys := make(map[pd.RouteKey]struct{})
	for _, set := range d.pending {
		for key := range set {
			keys[key] = struct{}{}
		}
	}
	return d.resolveRoutes(ctx, sortedRouteKeys(keys))
}

// ResolveNeighbor is ResolvePending limited to the routes waiting for the
// neighbor ip on rif.
func (d *Device) ResolveNeighbor(ctx context.Context, rif RIFHandle, ip netip.Addr) (int, error) {
	if err := d.lock("resolve pending"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()

	gw := Gateway{RIF: rif, IP: ip}
	return d.resolveRoutes(ctx, sortedRouteKeys(d.pending[gw.neighborKey()]))
}

func (d *Device) resolveRoutes(ctx context.Context, keys []pd.RouteKey) (int, error) {
	var errs []error
	n := 0
	for _, key := range keys {
		r, ok := d.routes[key]
		if !ok {
			continue
		}
		if _, ok := r.target.(UnresolvedTarget); !ok || len(r.via) == 0 {
			continue
		}
		target, err := d.resolveGateways(ctx, r.action, r.via)
		if err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", key, err))
			continue
		}
		if _, ok := target.(UnresolvedTarget); ok {
			continue
		}
		if err := d.setRoute(ctx, key, r.action, target, r.via); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", key, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// GetRoute returns the route for (vrf, prefix).
func (d *Device) GetRoute(vrf uint32, prefix netip.Prefix) (RouteInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, err := routeKey("get route", vrf, prefix)
	if err != nil {
		return RouteInfo{}, false
	}
	r, ok := d.routes[key]
	if !ok {
		return RouteInfo{}, false
	}
	return r.info(), true
}

func (r *route) info() RouteInfo {
	info := RouteInfo{
		Handle:   r.handle,
		VRF:      r.key.VRF,
		Prefix:   r.key.Prefix,
		Action:   r.action,
		Target:   r.target,
		Gateways: append([]Gateway(nil), r.via...),
	}
	if r.installed != nil {
		info.Table = r.installed.Table()
	}
	return info
}

// Routes returns every route ordered by VRF and prefix.
func (d *Device) Routes() []RouteInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]RouteInfo, 0, len(d.routes))
	for _, key := range sortedRouteKeys(d.routes) {
		out = append(out, d.routes[key].info())
	}
	return out
}
