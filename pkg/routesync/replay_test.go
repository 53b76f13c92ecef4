package routesync

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

const scenario = `
events:
  - {op: add, type: link, device: 1, interface: eth1}
  - {op: add, type: link, device: 1, interface: eth2, mac: "00:aa:bb:00:00:02"}
  - {op: add, type: neighbor, device: 1, interface: eth1, ip: 10.0.0.1, mac: "aa:bb:cc:dd:ee:01"}
  - {op: add, type: neighbor, device: 1, interface: eth2, ip: 10.0.1.1, mac: "aa:bb:cc:dd:ee:02"}
  - op: add
    type: route
    device: 1
    prefix: 192.0.2.7/24
    gateways:
      - {ip: 10.0.0.1, interface: eth1}
      - {ip: 10.0.1.1, interface: eth2}
  - {op: add, type: route, device: 1, family: ipv6, prefix: "2001:db8::1", action: local}
  - {op: del, type: route, device: 1, prefix: 192.0.2.0/24}
`

func TestLoadEvents(t *testing.T) {
	events, err := LoadEvents(strings.NewReader(scenario))
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 7 {
		t.Fatalf("%d events, want 7", len(events))
	}

	want := Event{
		Device: 1,
		Op:     OpAdd,
		Type:   TypeRoute,
		Prefix: netip.MustParsePrefix("192.0.2.0/24"),
		Gateways: []NextHop{
			via("10.0.0.1", "eth1"),
			via("10.0.1.1", "eth2"),
		},
	}
	if diff := cmp.Diff(want, events[4], cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
		cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("route event mismatch (-want +got):\n%s", diff)
	}

	host := events[5]
	if host.Family != FamilyIPv6 || host.Action != switchapi.ActionLocalDelivery {
		t.Errorf("host route = %s (family %s)", host, host.Family)
	}
	if host.Prefix != netip.MustParsePrefix("2001:db8::1/128") {
		t.Errorf("bare address prefix = %s, want host route", host.Prefix)
	}
	if events[6].Op != OpDelete {
		t.Errorf("del op = %s", events[6].Op)
	}
	if events[1].MAC.String() != "00:aa:bb:00:00:02" {
		t.Errorf("link MAC = %s", events[1].MAC)
	}
}

func TestLoadEventsErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"bad op", "events: [{op: replace, type: route}]"},
		{"bad type", "events: [{op: add, type: vlan}]"},
		{"bad family", "events: [{op: add, type: route, family: ipx}]"},
		{"bad prefix", "events: [{op: add, type: route, prefix: 300.0.0.0/8}]"},
		{"bad gateway", "events: [{op: add, type: route, prefix: 10.0.0.0/8, gateways: [{ip: x, interface: eth1}]}]"},
		{"bad mac", "events: [{op: add, type: neighbor, interface: eth1, ip: 10.0.0.1, mac: zz}]"},
		{"bad action", "events: [{op: add, type: route, prefix: 10.0.0.0/8, action: drop}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadEvents(strings.NewReader(tt.in))
			if !errors.Is(err, util.ErrInvalidParameter) {
				t.Errorf("LoadEvents = %v, want ErrInvalidParameter", err)
			}
		})
	}

	if _, err := LoadEvents(strings.NewReader("events: {")); err == nil {
		t.Error("malformed YAML accepted")
	}
	if events, err := LoadEvents(strings.NewReader("")); err != nil || len(events) != 0 {
		t.Errorf("empty input = %v, %v", events, err)
	}
}

func TestReplayScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.yaml")
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatal(err)
	}
	events, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	f := newFixture(t, Config{})
	if err := f.eng.ApplyAll(context.Background(), events); err != nil {
		t.Fatalf("ApplyAll: %v", err)
	}

	mem := f.mem[1]
	if mem.Len(pd.TableRouteV4) != 0 {
		t.Errorf("deleted route still installed: %v", mem.Entries(pd.TableRouteV4))
	}
	if mem.Len(pd.TableEcmpGroup) != 0 {
		t.Error("transient group outlived its route")
	}
	if mem.Len(pd.TableRouteV6) != 1 {
		t.Errorf("%d v6 routes, want the local host route", mem.Len(pd.TableRouteV6))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFile of missing file succeeded")
	}
}
