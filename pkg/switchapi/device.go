// Package switchapi manages the routing object graph of a forwarding
// pipeline: router MACs, router interfaces, neighbors, next-hops, ECMP groups
// and routes. Every object is addressed by a typed, device-scoped handle and
// carries a reference count; objects in use cannot be deleted.
//
// All operations on a Device are serialized by the device lock. Each logical
// operation runs in its own programming session, closed on every exit path.
package switchapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

// DeviceID identifies a forwarding-pipeline instance.
type DeviceID uint16

// Port is the port binding of an interface.
type Port struct {
	Name  string
	ID    uint32 // logical (pipeline) port id
	PhyID uint32 // physical port id
}

// PortResolver maps an interface name onto its port binding.
type PortResolver interface {
	Resolve(name string) (Port, error)
}

// Config holds per-device construction parameters.
type Config struct {
	// Name is used in logs. Defaults to "dev<ID>".
	Name string
	// DefaultRouterMAC is substituted when a RIF is created without a
	// router MAC. Optional.
	DefaultRouterMAC net.HardwareAddr
	// Ports resolves interface names at RIF creation.
	Ports PortResolver
	// Capacity overrides DefaultCapacity per kind.
	Capacity map[Kind]uint32
}

// Device owns the object graph of one forwarding pipeline.
type Device struct {
	id   DeviceID
	name string

	mu      sync.Mutex
	prog    pd.Programmer
	ports   PortResolver
	handles *allocator
	closed  bool

	defaultRMAC RouterMACHandle

	rmacs     map[RouterMACHandle]*routerMAC
	rifs      map[RIFHandle]*routerInterface
	rifByName map[string]RIFHandle
	neighbors map[NeighborHandle]*neighbor
	nbrIndex  map[neighborKey]NeighborHandle
	nexthops  map[NextHopHandle]*nextHop
	groups    map[GroupHandle]*group
	routes    map[pd.RouteKey]*route
	pending   map[neighborKey]map[pd.RouteKey]struct{} // unresolved routes by awaited neighbor
}

// NewDevice creates a device programming through prog. If cfg carries a
// default router MAC it is created as the device's first router MAC object.
func NewDevice(id DeviceID, prog pd.Programmer, cfg Config) (*Device, error) {
	if prog == nil {
		return nil, util.NewParameterError("new device", "programmer", "nil")
	}
	if cfg.Ports == nil {
		return nil, util.NewParameterError("new device", "port resolver", "nil")
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("dev%d", id)
	}

	d := &Device{
		id:        id,
		name:      name,
		prog:      prog,
		ports:     cfg.Ports,
		handles:   newAllocator(cfg.Capacity),
		rmacs:     make(map[RouterMACHandle]*routerMAC),
		rifs:      make(map[RIFHandle]*routerInterface),
		rifByName: make(map[string]RIFHandle),
		neighbors: make(map[NeighborHandle]*neighbor),
		nbrIndex:  make(map[neighborKey]NeighborHandle),
		nexthops:  make(map[NextHopHandle]*nextHop),
		groups:    make(map[GroupHandle]*group),
		routes:    make(map[pd.RouteKey]*route),
		pending:   make(map[neighborKey]map[pd.RouteKey]struct{}),
	}

	if cfg.DefaultRouterMAC != nil {
		h, err := d.createRouterMAC(cfg.DefaultRouterMAC)
		if err != nil {
			return nil, fmt.Errorf("default router MAC: %w", err)
		}
		// The device pins its default so it cannot be deleted under a RIF
		// that was created without an explicit router MAC.
		d.handles.retain(Handle(h))
		d.defaultRMAC = h
	}

	util.WithDevice(d.name).Infof("Device %d initialized (default router MAC %s)", id, cfg.DefaultRouterMAC)
	return d, nil
}

// ID returns the device id.
func (d *Device) ID() DeviceID { return d.id }

// Name returns the device's log name.
func (d *Device) Name() string { return d.name }

// DefaultRouterMAC returns the default router MAC handle, zero if none.
func (d *Device) DefaultRouterMAC() RouterMACHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaultRMAC
}

// RefCount returns the number of live references on h.
func (d *Device) RefCount(h Handle) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles.refs(h)
}

// Stats returns the number of live handles per kind.
func (d *Device) Stats() map[Kind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Kind]int, kindCount-1)
	for k := KindRouterMAC; k <= KindRoute; k++ {
		out[k] = d.handles.inUse(k)
	}
	return out
}

// lock acquires the device lock and fails once the device is closed.
func (d *Device) lock(op string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("%s: device %s closed: %w", op, d.name, util.ErrInvalidParameter)
	}
	return nil
}

// ============================================================================
// Programming sessions
// ============================================================================

// session wraps a pd.Session with logging.
type session struct {
	dev  *Device
	ctx  context.Context
	next pd.Session
}

// withSession opens a programming session for one logical operation and
// closes it on every exit path.
func (d *Device) withSession(ctx context.Context, fn func(s *session) error) error {
	ps, err := d.prog.Open(ctx)
	if err != nil {
		if errors.Is(err, util.ErrHardwareFailed) {
			return err
		}
		return util.NewTableError("open", "session", "", err)
	}
	defer func() {
		if cerr := ps.Close(); cerr != nil {
			util.WithDevice(d.name).Warnf("Closing programming session: %v", cerr)
		}
	}()
	return fn(&session{dev: d, ctx: ctx, next: ps})
}

func (s *session) add(e pd.Entry) error    { return s.apply(pd.Add, e) }
func (s *session) remove(e pd.Entry) error { return s.apply(pd.Remove, e) }

func (s *session) apply(op pd.Op, e pd.Entry) error {
	err := s.next.Apply(s.ctx, op, e)
	log := util.WithTable(s.dev.name, string(e.Table()), op.String())
	if err != nil {
		log.Debugf("%s: %v", e.Key(), err)
		return err
	}
	log.Debugf("%s", e.Key())
	return nil
}

// removeGone removes e, treating an already-missing entry as removed.
func (s *session) removeGone(e pd.Entry) error {
	err := s.remove(e)
	if errors.Is(err, util.ErrNotFound) {
		util.WithDevice(s.dev.name).Warnf("%s[%s] already absent", e.Table(), e.Key())
		return nil
	}
	return err
}

// ============================================================================
// Teardown
// ============================================================================

// Close deletes every object in dependency order (routes, groups, next-hops,
// neighbors, RIFs, router MACs) and marks the device closed. Table failures
// are collected and returned; the device is closed regardless.
func (d *Device) Close(ctx context.Context) error {
	if err := d.lock("close"); err != nil {
		return nil
	}
	defer d.mu.Unlock()

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, key := range sortedRouteKeys(d.routes) {
		collect(d.deleteRoute(ctx, key))
	}
	for _, h := range sortedHandles(d.groups) {
		collect(d.deleteGroup(ctx, h))
	}
	for _, h := range sortedHandles(d.nexthops) {
		collect(d.deleteNextHop(ctx, h))
	}
	for _, h := range sortedHandles(d.neighbors) {
		collect(d.deleteNeighbor(ctx, h))
	}
	for _, h := range sortedHandles(d.rifs) {
		collect(d.deleteRIF(ctx, h))
	}
	if d.defaultRMAC != 0 {
		d.handles.release(Handle(d.defaultRMAC))
		d.defaultRMAC = 0
	}
	for _, h := range sortedHandles(d.rmacs) {
		collect(d.deleteRouterMAC(h))
	}

	d.closed = true
	if len(errs) > 0 {
		util.WithDevice(d.name).Errorf("Teardown finished with %d errors", len(errs))
		return errors.Join(errs...)
	}
	util.WithDevice(d.name).Info("Device closed")
	return nil
}

func sortedHandles[H ~uint64, V any](m map[H]V) []H {
	out := make([]H, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedRouteKeys[V any](m map[pd.RouteKey]V) []pd.RouteKey {
	out := make([]pd.RouteKey, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return routeKeyLess(out[i], out[j]) })
	return out
}

func routeKeyLess(a, b pd.RouteKey) bool {
	if a.VRF != b.VRF {
		return a.VRF < b.VRF
	}
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c < 0
	}
	return a.Prefix.Bits() < b.Prefix.Bits()
}

// ============================================================================
// Switch registry
// ============================================================================

// Switch holds the devices of one process. Devices are independent: each has
// its own lock and handle namespaces.
type Switch struct {
	mu      sync.RWMutex
	devices map[DeviceID]*Device
}

// NewSwitch creates an empty registry.
func NewSwitch() *Switch {
	return &Switch{devices: make(map[DeviceID]*Device)}
}

// AddDevice creates and registers a device.
func (sw *Switch) AddDevice(id DeviceID, prog pd.Programmer, cfg Config) (*Device, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, ok := sw.devices[id]; ok {
		return nil, util.NewParameterError("add device", "device id", fmt.Sprintf("%d already registered", id))
	}
	d, err := NewDevice(id, prog, cfg)
	if err != nil {
		return nil, err
	}
	sw.devices[id] = d
	return d, nil
}

// Device returns a registered device.
func (sw *Switch) Device(id DeviceID) (*Device, bool) {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	d, ok := sw.devices[id]
	return d, ok
}

// Devices returns all registered devices ordered by id.
func (sw *Switch) Devices() []*Device {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	out := make([]*Device, 0, len(sw.devices))
	for _, d := range sw.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RemoveDevice tears a device down and unregisters it.
func (sw *Switch) RemoveDevice(ctx context.Context, id DeviceID) error {
	sw.mu.Lock()
	d, ok := sw.devices[id]
	delete(sw.devices, id)
	sw.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d: %w", id, util.ErrNotFound)
	}
	return d.Close(ctx)
}

// Close tears down every device.
func (sw *Switch) Close(ctx context.Context) error {
	var errs []error
	for _, d := range sw.Devices() {
		if err := sw.RemoveDevice(ctx, d.id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
