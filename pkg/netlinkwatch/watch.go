//go:build linux

// Package netlinkwatch turns kernel link, neighbor and route notifications
// into routesync events. On start it subscribes first and then dumps the
// current kernel state, so nothing is missed between the dump and the first
// notification; the resulting duplicates are harmless because every event
// is applied idempotently.
package netlinkwatch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"go4.org/netipx"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/fibsync/pkg/routesync"
	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// Config selects what the watcher reports.
type Config struct {
	// Device is stamped on every event.
	Device switchapi.DeviceID
	// Interfaces reports whether an interface is a front-panel port whose
	// links, neighbors and routes should be synced. Nil accepts all
	// non-loopback interfaces.
	Interfaces func(name string) bool
	// VRFs maps kernel routing tables to VRF ids. Tables not listed are
	// ignored. Nil maps the main table to VRF 0.
	VRFs map[int]uint32
	// Buffer is the size of each subscription channel. Defaults to 256.
	Buffer int
}

// ops are the netlink calls the watcher makes; tests replace them.
type ops struct {
	linkList       func() ([]netlink.Link, error)
	neighList      func(family int) ([]netlink.Neigh, error)
	routeList      func(family int) ([]netlink.Route, error)
	linkSubscribe  func(ch chan<- netlink.LinkUpdate, done <-chan struct{}, onErr func(error)) error
	neighSubscribe func(ch chan<- netlink.NeighUpdate, done <-chan struct{}, onErr func(error)) error
	routeSubscribe func(ch chan<- netlink.RouteUpdate, done <-chan struct{}, onErr func(error)) error
}

var kernel = ops{
	linkList: netlink.LinkList,
	neighList: func(family int) ([]netlink.Neigh, error) {
		return netlink.NeighList(0, family)
	},
	routeList: func(family int) ([]netlink.Route, error) {
		return netlink.RouteListFiltered(family, &netlink.Route{Table: unix.RT_TABLE_UNSPEC}, netlink.RT_FILTER_TABLE)
	},
	linkSubscribe: func(ch chan<- netlink.LinkUpdate, done <-chan struct{}, onErr func(error)) error {
		return netlink.LinkSubscribeWithOptions(ch, done, netlink.LinkSubscribeOptions{ErrorCallback: onErr})
	},
	neighSubscribe: func(ch chan<- netlink.NeighUpdate, done <-chan struct{}, onErr func(error)) error {
		return netlink.NeighSubscribeWithOptions(ch, done, netlink.NeighSubscribeOptions{ErrorCallback: onErr})
	},
	routeSubscribe: func(ch chan<- netlink.RouteUpdate, done <-chan struct{}, onErr func(error)) error {
		return netlink.RouteSubscribeWithOptions(ch, done, netlink.RouteSubscribeOptions{ErrorCallback: onErr})
	},
}

// Watcher converts kernel notifications into events.
type Watcher struct {
	cfg Config
	nl  ops

	mu    sync.Mutex
	names map[int]string // ifindex -> name
}

// New creates a watcher over the host's netlink sockets.
func New(cfg Config) *Watcher {
	return newWatcher(cfg, kernel)
}

func newWatcher(cfg Config, nl ops) *Watcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.VRFs == nil {
		cfg.VRFs = map[int]uint32{unix.RT_TABLE_MAIN: 0}
	}
	return &Watcher{cfg: cfg, nl: nl, names: make(map[int]string)}
}

// Run streams events to out until ctx is done or a subscription fails.
// Links are dumped before neighbors and neighbors before routes so that
// the initial state arrives in dependency order.
func (w *Watcher) Run(ctx context.Context, out chan<- routesync.Event) error {
	done := make(chan struct{})
	defer close(done)

	errc := make(chan error, 3)
	onErr := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	links := make(chan netlink.LinkUpdate, w.cfg.Buffer)
	neighs := make(chan netlink.NeighUpdate, w.cfg.Buffer)
	routes := make(chan netlink.RouteUpdate, w.cfg.Buffer)
	if err := w.nl.linkSubscribe(links, done, onErr); err != nil {
		return fmt.Errorf("subscribing to links: %w", err)
	}
	if err := w.nl.neighSubscribe(neighs, done, onErr); err != nil {
		return fmt.Errorf("subscribing to neighbors: %w", err)
	}
	if err := w.nl.routeSubscribe(routes, done, onErr); err != nil {
		return fmt.Errorf("subscribing to routes: %w", err)
	}

	emit := func(events []routesync.Event) bool {
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	initial, err := w.dump()
	if err != nil {
		return err
	}
	util.WithField("device", w.cfg.Device).Infof("Kernel dump: %d events", len(initial))
	if !emit(initial) {
		return nil
	}

	for {
		var events []routesync.Event
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return fmt.Errorf("netlink subscription: %w", err)
		case u, ok := <-links:
			if !ok {
				return fmt.Errorf("link subscription closed")
			}
			events = w.linkEvents(u.Header.Type, u.Link)
		case u, ok := <-neighs:
			if !ok {
				return fmt.Errorf("neighbor subscription closed")
			}
			events = w.neighEvents(u.Type, u.Neigh)
		case u, ok := <-routes:
			if !ok {
				return fmt.Errorf("route subscription closed")
			}
			events = w.routeEvents(u.Type, u.Route)
		}
		if !emit(events) {
			return nil
		}
	}
}

// dump lists the current kernel state as add events.
func (w *Watcher) dump() ([]routesync.Event, error) {
	var events []routesync.Event

	links, err := w.nl.linkList()
	if err != nil {
		return nil, fmt.Errorf("listing links: %w", err)
	}
	for _, l := range links {
		events = append(events, w.linkEvents(unix.RTM_NEWLINK, l)...)
	}

	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		neighs, err := w.nl.neighList(family)
		if err != nil {
			return nil, fmt.Errorf("listing neighbors: %w", err)
		}
		for _, n := range neighs {
			events = append(events, w.neighEvents(unix.RTM_NEWNEIGH, n)...)
		}
	}

	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		routes, err := w.nl.routeList(family)
		if err != nil {
			return nil, fmt.Errorf("listing routes: %w", err)
		}
		for _, r := range routes {
			events = append(events, w.routeEvents(unix.RTM_NEWROUTE, r)...)
		}
	}
	return events, nil
}

func (w *Watcher) wanted(name string) bool {
	if name == "" {
		return false
	}
	if w.cfg.Interfaces == nil {
		return true
	}
	return w.cfg.Interfaces(name)
}

func (w *Watcher) ifname(index int) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.names[index]
}

func (w *Watcher) linkEvents(msgType uint16, l netlink.Link) []routesync.Event {
	if l == nil || l.Attrs() == nil {
		return nil
	}
	attrs := l.Attrs()

	w.mu.Lock()
	if msgType == unix.RTM_DELLINK {
		delete(w.names, attrs.Index)
	} else {
		w.names[attrs.Index] = attrs.Name
	}
	w.mu.Unlock()

	if attrs.Flags&net.FlagLoopback != 0 || !w.wanted(attrs.Name) {
		return nil
	}

	ev := routesync.Event{
		Device:    w.cfg.Device,
		Type:      routesync.TypeLink,
		Interface: attrs.Name,
	}
	switch msgType {
	case unix.RTM_NEWLINK:
		ev.Op = routesync.OpAdd
		if util.ValidUnicastMAC(attrs.HardwareAddr) {
			ev.MAC = append(net.HardwareAddr(nil), attrs.HardwareAddr...)
		}
	case unix.RTM_DELLINK:
		ev.Op = routesync.OpDelete
	default:
		return nil
	}
	return []routesync.Event{ev}
}

const usableNUD = netlink.NUD_REACHABLE | netlink.NUD_STALE | netlink.NUD_DELAY |
	netlink.NUD_PROBE | netlink.NUD_PERMANENT

func (w *Watcher) neighEvents(msgType uint16, n netlink.Neigh) []routesync.Event {
	if n.Family != unix.AF_INET && n.Family != unix.AF_INET6 {
		return nil
	}
	name := w.ifname(n.LinkIndex)
	if !w.wanted(name) {
		return nil
	}
	addr, ok := netipx.FromStdIP(n.IP)
	if !ok || addr.IsMulticast() || addr.IsUnspecified() {
		return nil
	}

	ev := routesync.Event{
		Device:    w.cfg.Device,
		Type:      routesync.TypeNeighbor,
		Interface: name,
		Addr:      addr,
	}
	switch {
	case msgType == unix.RTM_NEWNEIGH && n.State&usableNUD != 0 && util.ValidUnicastMAC(n.HardwareAddr):
		ev.Op = routesync.OpAdd
		ev.MAC = append(net.HardwareAddr(nil), n.HardwareAddr...)
	case msgType == unix.RTM_NEWNEIGH && n.State&netlink.NUD_FAILED != 0,
		msgType == unix.RTM_DELNEIGH:
		ev.Op = routesync.OpDelete
	default:
		// INCOMPLETE and NOARP states carry no usable binding yet.
		return nil
	}
	return []routesync.Event{ev}
}

func (w *Watcher) routeEvents(msgType uint16, r netlink.Route) []routesync.Event {
	vrf, ok := w.cfg.VRFs[r.Table]
	if !ok {
		return nil
	}

	prefix, ok := routePrefix(r)
	if !ok {
		return nil
	}
	ev := routesync.Event{
		Device: w.cfg.Device,
		Type:   routesync.TypeRoute,
		VRF:    vrf,
		Prefix: prefix,
	}

	switch msgType {
	case unix.RTM_DELROUTE:
		ev.Op = routesync.OpDelete
		return []routesync.Event{ev}
	case unix.RTM_NEWROUTE:
		ev.Op = routesync.OpAdd
	default:
		return nil
	}

	// An RTM_NEWROUTE may replace a route already synced. When the new
	// version cannot be programmed the prefix is withdrawn instead.
	withdraw := []routesync.Event{{
		Device: ev.Device,
		Op:     routesync.OpDelete,
		Type:   routesync.TypeRoute,
		VRF:    vrf,
		Prefix: prefix,
	}}

	switch r.Type {
	case unix.RTN_LOCAL:
		ev.Action = switchapi.ActionLocalDelivery
		return []routesync.Event{ev}
	case unix.RTN_UNICAST:
		ev.Action = switchapi.ActionForward
	default:
		return withdraw
	}

	if len(r.MultiPath) == 0 {
		if r.Gw == nil {
			// Connected subnet: reachability comes from neighbor entries.
			return withdraw
		}
		gw, ok := w.gateway(r.LinkIndex, r.Gw)
		if !ok {
			return withdraw
		}
		ev.Gateways = []routesync.NextHop{gw}
		return []routesync.Event{ev}
	}

	// All paths or none.
	for _, nh := range r.MultiPath {
		if nh == nil || nh.Gw == nil {
			return withdraw
		}
		gw, ok := w.gateway(nh.LinkIndex, nh.Gw)
		if !ok {
			return withdraw
		}
		// The kernel encodes weight w as Hops = w-1.
		for i := 0; i <= nh.Hops; i++ {
			ev.Gateways = append(ev.Gateways, gw)
		}
	}
	return []routesync.Event{ev}
}

func (w *Watcher) gateway(index int, ip net.IP) (routesync.NextHop, bool) {
	name := w.ifname(index)
	if !w.wanted(name) {
		return routesync.NextHop{}, false
	}
	addr, ok := netipx.FromStdIP(ip)
	if !ok {
		return routesync.NextHop{}, false
	}
	return routesync.NextHop{Interface: name, Addr: addr}, true
}

// routePrefix returns the route destination; a nil Dst is the default
// route of the route's family.
func routePrefix(r netlink.Route) (netip.Prefix, bool) {
	if r.Dst != nil {
		p, ok := netipx.FromStdIPNet(r.Dst)
		if !ok {
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	switch r.Family {
	case unix.AF_INET:
		return netip.PrefixFrom(netip.IPv4Unspecified(), 0), true
	case unix.AF_INET6:
		return netip.PrefixFrom(netip.IPv6Unspecified(), 0), true
	}
	return netip.Prefix{}, false
}
