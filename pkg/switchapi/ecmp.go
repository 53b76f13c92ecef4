package switchapi

import (
	"context"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

// group is an ECMP group. A next-hop added more than once carries a weight
// equal to the number of additions; each addition holds one reference on the
// next-hop.
type group struct {
	handle    GroupHandle
	members   []NextHopHandle // order of first addition
	weights   map[NextHopHandle]uint32
	transient bool
}

func (g *group) weight(nh NextHopHandle) uint32 { return g.weights[nh] }

func (g *group) entry() pd.EcmpGroupEntry {
	return pd.EcmpGroupEntry{GroupID: Handle(g.handle).ID()}
}

func (g *group) memberEntry(nh NextHopHandle, weight uint32) pd.EcmpMemberEntry {
	return pd.EcmpMemberEntry{
		GroupID:   Handle(g.handle).ID(),
		NextHopID: Handle(nh).ID(),
		Weight:    weight,
	}
}

// GroupMember is one member of a group snapshot.
type GroupMember struct {
	NextHop NextHopHandle
	Weight  uint32
}

// GroupInfo is a snapshot of an ECMP group.
type GroupInfo struct {
	Handle     GroupHandle
	Members    []GroupMember
	Transient  bool
	References uint32
}

func weigh(members []NextHopHandle) ([]NextHopHandle, map[NextHopHandle]uint32) {
	weights := make(map[NextHopHandle]uint32, len(members))
	var order []NextHopHandle
	for _, m := range members {
		if weights[m] == 0 {
			order = append(order, m)
		}
		weights[m]++
	}
	return order, weights
}

// CreateGroup creates an ECMP group and installs its group entry plus one
// member entry per distinct next-hop. If any member fails to install, the
// entries already added are removed and no handle stays allocated.
func (d *Device) CreateGroup(ctx context.Context, members []NextHopHandle) (GroupHandle, error) {
	if err := d.lock("create group"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.createGroup(ctx, members, false)
}

func (d *Device) createGroup(ctx context.Context, members []NextHopHandle, transient bool) (GroupHandle, error) {
	for _, m := range members {
		if _, ok := d.nexthops[m]; !ok {
			return 0, util.NewHandleError("create group", m.String(), "next-hop")
		}
	}

	h, err := d.handles.allocate(KindGroup)
	if err != nil {
		return 0, err
	}
	order, weights := weigh(members)
	g := &group{handle: GroupHandle(h), members: order, weights: weights, transient: transient}

	err = d.withSession(ctx, func(s *session) error {
		if err := s.add(g.entry()); err != nil {
			return err
		}
		for i, m := range order {
			if err := s.add(g.memberEntry(m, weights[m])); err != nil {
				d.unwindGroup(s, g, order[:i])
				return err
			}
		}
		return nil
	})
	if err != nil {
		d.handles.free(h)
		return 0, err
	}

	for m, w := range weights {
		for i := uint32(0); i < w; i++ {
			d.handles.retain(Handle(m))
		}
	}
	d.groups[g.handle] = g
	util.WithHandle(d.name, g.handle).Infof("Created group with %d members", len(order))
	return g.handle, nil
}

// unwindGroup removes the member entries in added, newest first, and then the
// group entry.
func (d *Device) unwindGroup(s *session, g *group, added []NextHopHandle) {
	for i := len(added) - 1; i >= 0; i-- {
		e := g.memberEntry(added[i], g.weights[added[i]])
		if err := s.remove(e); err != nil {
			util.WithDevice(d.name).Errorf("Rollback of %s[%s] failed: %v", e.Table(), e.Key(), err)
		}
	}
	if err := s.remove(g.entry()); err != nil {
		util.WithDevice(d.name).Errorf("Rollback of group %s failed: %v", g.handle, err)
	}
}

// AddMember adds nh to a group. Adding an existing member raises its weight.
func (d *Device) AddMember(ctx context.Context, gh GroupHandle, nh NextHopHandle) error {
	if err := d.lock("add member"); err != nil {
		return err
	}
	defer d.mu.Unlock()

	g, ok := d.groups[gh]
	if !ok {
		return util.NewHandleError("add member", gh.String(), "group")
	}
	if _, ok := d.nexthops[nh]; !ok {
		return util.NewHandleError("add member", nh.String(), "next-hop")
	}

	w := g.weight(nh) + 1
	err := d.withSession(ctx, func(s *session) error {
		return s.add(g.memberEntry(nh, w))
	})
	if err != nil {
		return err
	}

	if w == 1 {
		g.members = append(g.members, nh)
	}
	g.weights[nh] = w
	d.handles.retain(Handle(nh))
	util.WithDevice(d.name).Infof("Group %s: added member %s (weight %d)", gh, nh, w)
	return nil
}

// RemoveMember drops one unit of nh's weight from a group; the member entry
// is removed when the weight reaches zero. The group itself stays, even
// when empty.
func (d *Device) RemoveMember(ctx context.Context, gh GroupHandle, nh NextHopHandle) error {
	if err := d.lock("remove member"); err != nil {
		return err
	}
	defer d.mu.Unlock()

	g, ok := d.groups[gh]
	if !ok {
		return util.NewHandleError("remove member", gh.String(), "group")
	}
	w := g.weight(nh)
	if w == 0 {
		return util.NewParameterError("remove member", "next-hop", nh.String()+" is not a member of "+gh.String())
	}

	err := d.withSession(ctx, func(s *session) error {
		if w > 1 {
			return s.add(g.memberEntry(nh, w-1))
		}
		return s.removeGone(g.memberEntry(nh, w))
	})
	if err != nil {
		return err
	}

	if w > 1 {
		g.weights[nh] = w - 1
	} else {
		delete(g.weights, nh)
		for i, m := range g.members {
			if m == nh {
				g.members = append(g.members[:i], g.members[i+1:]...)
				break
			}
		}
	}
	d.handles.release(Handle(nh))
	util.WithDevice(d.name).Infof("Group %s: removed member %s (weight %d)", gh, nh, w-1)
	d.reapNextHop(ctx, nh)
	return nil
}

// FindGroup returns the lowest group whose members and weights equal
// members.
func (d *Device) FindGroup(members []NextHopHandle) (GroupHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findGroup(members)
}

func (d *Device) findGroup(members []NextHopHandle) (GroupHandle, bool) {
	order, weights := weigh(members)
	for _, gh := range sortedHandles(d.groups) {
		g := d.groups[gh]
		if len(g.members) != len(order) {
			continue
		}
		same := true
		for m, w := range weights {
			if g.weights[m] != w {
				same = false
				break
			}
		}
		if same {
			return gh, true
		}
	}
	return 0, false
}

// GetGroup returns the attributes of a group.
func (d *Device) GetGroup(h GroupHandle) (GroupInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.groups[h]
	if !ok {
		return GroupInfo{}, util.NewHandleError("get group", h.String(), "")
	}
	return d.groupInfo(g), nil
}

func (d *Device) groupInfo(g *group) GroupInfo {
	info := GroupInfo{
		Handle:     g.handle,
		Transient:  g.transient,
		References: d.handles.refs(Handle(g.handle)),
	}
	for _, m := range g.members {
		info.Members = append(info.Members, GroupMember{NextHop: m, Weight: g.weights[m]})
	}
	return info
}

// Groups returns every group ordered by handle.
func (d *Device) Groups() []GroupInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]GroupInfo, 0, len(d.groups))
	for _, h := range sortedHandles(d.groups) {
		out = append(out, d.groupInfo(d.groups[h]))
	}
	return out
}

// DeleteGroup removes a group no route references. Member entries are
// removed before the group entry; if any removal fails the removed members
// are re-installed.
func (d *Device) DeleteGroup(ctx context.Context, h GroupHandle) error {
	if err := d.lock("delete group"); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.deleteGroup(ctx, h)
}

func (d *Device) deleteGroup(ctx context.Context, h GroupHandle) error {
	g, ok := d.groups[h]
	if !ok {
		return util.NewHandleError("delete group", h.String(), "")
	}
	if refs := d.handles.refs(Handle(h)); refs > 0 {
		var users []string
		for _, key := range sortedRouteKeys(d.routes) {
			if t, ok := d.routes[key].target.(GroupTarget); ok && t.Group == h {
				users = append(users, "route "+key.String())
			}
		}
		return util.NewInUseError("group "+h.String(), refs, users...)
	}

	err := d.withSession(ctx, func(s *session) error {
		restore := func(removed []NextHopHandle) {
			for _, m := range removed {
				if rerr := s.add(g.memberEntry(m, g.weights[m])); rerr != nil {
					util.WithDevice(d.name).Errorf("Rollback of group %s member %s failed: %v", h, m, rerr)
				}
			}
		}
		for i, m := range g.members {
			if err := s.removeGone(g.memberEntry(m, g.weights[m])); err != nil {
				restore(g.members[:i])
				return err
			}
		}
		if err := s.removeGone(g.entry()); err != nil {
			restore(g.members)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	for m, w := range g.weights {
		for i := uint32(0); i < w; i++ {
			d.handles.release(Handle(m))
		}
	}
	if err := d.handles.free(Handle(h)); err != nil {
		return err
	}
	delete(d.groups, h)
	util.WithHandle(d.name, h).Info("Deleted group")

	for _, m := range g.members {
		d.reapNextHop(ctx, m)
	}
	return nil
}

// reapGroup deletes a transient group once no route references it.
func (d *Device) reapGroup(ctx context.Context, h GroupHandle) {
	g, ok := d.groups[h]
	if !ok || !g.transient || d.handles.refs(Handle(h)) > 0 {
		return
	}
	if err := d.deleteGroup(ctx, h); err != nil {
		util.WithDevice(d.name).Warnf("Releasing transient group %s: %v", h, err)
	}
}
