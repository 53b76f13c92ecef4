package switchapi

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

func TestUpsertNeighbor(t *testing.T) {
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")

	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")
	key := pd.NeighborEntry{RIF: Handle(r).ID(), NeighborID: Handle(n).ID()}.Key()
	e, ok := mem.Get(pd.TableNeighbor, key)
	if !ok {
		t.Fatalf("neighbor entry %s missing", key)
	}
	if got := e.(pd.NeighborEntry).DstMAC.String(); got != "aa:bb:cc:dd:ee:01" {
		t.Errorf("DstMAC = %s", got)
	}
	if got := d.RefCount(Handle(r)); got != 1 {
		t.Errorf("RIF refs = %d, want 1", got)
	}

	// Same binding again: same handle, no table call.
	mem.ResetHistory()
	again := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")
	if again != n {
		t.Errorf("re-upsert returned %s, want %s", again, n)
	}
	if len(mem.History()) != 0 {
		t.Errorf("idempotent upsert touched the tables: %v", mem.History())
	}

	// IPv4-mapped addresses resolve to the same neighbor.
	if got, ok := d.LookupNeighbor(r, netip.MustParseAddr("::ffff:10.0.0.1")); !ok || got != n {
		t.Errorf("LookupNeighbor(mapped) = %s, %v", got, ok)
	}

	info, err := d.GetNeighbor(n)
	if err != nil {
		t.Fatalf("GetNeighbor: %v", err)
	}
	if info.IP != netip.MustParseAddr("10.0.0.1") || info.RIF != r {
		t.Errorf("GetNeighbor = %+v", info)
	}
	if len(d.Neighbors()) != 1 {
		t.Errorf("Neighbors() = %d entries, want 1", len(d.Neighbors()))
	}
}

func TestUpsertNeighborValidation(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")
	mem.ResetHistory()

	tests := []struct {
		name string
		ip   netip.Addr
		mac  string
		rif  RIFHandle
		want error
	}{
		{"unknown rif", netip.MustParseAddr("10.0.0.1"), "aa:bb:cc:dd:ee:01", RIFHandle(makeHandle(KindRIF, 9)), util.ErrInvalidHandle},
		{"unset ip", netip.Addr{}, "aa:bb:cc:dd:ee:01", r, util.ErrInvalidParameter},
		{"multicast mac", netip.MustParseAddr("10.0.0.1"), "01:00:5e:00:00:01", r, util.ErrInvalidParameter},
		{"zero mac", netip.MustParseAddr("10.0.0.1"), "00:00:00:00:00:00", r, util.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.UpsertNeighbor(ctx, tt.ip, mac(t, tt.mac), tt.rif); !errors.Is(err, tt.want) {
				t.Errorf("UpsertNeighbor = %v, want %v", err, tt.want)
			}
		})
	}
	if len(mem.History()) != 0 {
		t.Errorf("validation failures touched the tables: %v", mem.History())
	}
}

func TestNeighborMACUpdateRefreshesNextHops(t *testing.T) {
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")
	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")
	h1 := mustNextHop(t, d, n, r)
	h2 := mustNextHop(t, d, n, r)

	mem.ResetHistory()
	if got := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:99"); got != n {
		t.Fatalf("MAC update returned %s, want %s", got, n)
	}

	for _, h := range []NextHopHandle{h1, h2} {
		e, ok := mem.Get(pd.TableNextHop, pd.NextHopEntry{NextHopID: Handle(h).ID()}.Key())
		if !ok {
			t.Fatalf("next-hop %s entry missing", h)
		}
		if got := e.(pd.NextHopEntry).DstMAC.String(); got != "aa:bb:cc:dd:ee:99" {
			t.Errorf("next-hop %s DstMAC = %s, want refreshed", h, got)
		}
	}
	// Refreshed in place: only adds, no removals, and no new handles.
	for _, rec := range mem.History() {
		if rec.Op != pd.Add {
			t.Errorf("unexpected %s", rec)
		}
	}
	if len(mem.History()) != 3 {
		t.Errorf("history = %v, want neighbor + 2 next-hops", mem.History())
	}
	if n := d.Stats()[KindNextHop]; n != 2 {
		t.Errorf("%d next-hops, want 2", n)
	}
	info, _ := d.GetNeighbor(n)
	if info.MAC.String() != "aa:bb:cc:dd:ee:99" {
		t.Errorf("neighbor MAC = %s", info.MAC)
	}
}

func TestNeighborMACUpdateRollback(t *testing.T) {
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")
	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")
	h1 := mustNextHop(t, d, n, r)
	h2 := mustNextHop(t, d, n, r)

	newMAC := "aa:bb:cc:dd:ee:99"
	mem.FailWhen(func(op pd.Op, e pd.Entry) error {
		if nh, ok := e.(pd.NextHopEntry); ok && nh.NextHopID == Handle(h2).ID() && nh.DstMAC.String() == newMAC {
			return errors.New("injected failure")
		}
		return nil
	})

	_, err := d.UpsertNeighbor(context.Background(), netip.MustParseAddr("10.0.0.1"), mac(t, newMAC), r)
	if !errors.Is(err, util.ErrHardwareFailed) {
		t.Fatalf("UpsertNeighbor = %v, want ErrHardwareFailed", err)
	}

	info, _ := d.GetNeighbor(n)
	if info.MAC.String() != "aa:bb:cc:dd:ee:01" {
		t.Errorf("neighbor MAC = %s after failed update", info.MAC)
	}
	ne, _ := mem.Get(pd.TableNeighbor, pd.NeighborEntry{RIF: Handle(r).ID(), NeighborID: Handle(n).ID()}.Key())
	if got := ne.(pd.NeighborEntry).DstMAC.String(); got != "aa:bb:cc:dd:ee:01" {
		t.Errorf("neighbor entry MAC = %s, want restored", got)
	}
	for _, h := range []NextHopHandle{h1, h2} {
		e, _ := mem.Get(pd.TableNextHop, pd.NextHopEntry{NextHopID: Handle(h).ID()}.Key())
		if got := e.(pd.NextHopEntry).DstMAC.String(); got != "aa:bb:cc:dd:ee:01" {
			t.Errorf("next-hop %s DstMAC = %s, want restored", h, got)
		}
	}
}

func TestDeleteNeighbor(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")
	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")
	h := mustNextHop(t, d, n, r)

	mem.ResetHistory()
	err := d.DeleteNeighbor(ctx, n)
	var inUse *util.InUseError
	if !errors.As(err, &inUse) {
		t.Fatalf("DeleteNeighbor with next-hop = %v, want InUseError", err)
	}
	if len(inUse.UsedBy) != 1 || inUse.UsedBy[0] != h.String() {
		t.Errorf("UsedBy = %v, want [%s]", inUse.UsedBy, h)
	}
	if len(mem.History()) != 0 {
		t.Errorf("InUse delete touched the tables: %v", mem.History())
	}

	if err := d.DeleteNextHop(ctx, h); err != nil {
		t.Fatalf("DeleteNextHop: %v", err)
	}
	if err := d.DeleteNeighbor(ctx, n); err != nil {
		t.Fatalf("DeleteNeighbor: %v", err)
	}
	if mem.Len(pd.TableNeighbor) != 0 {
		t.Error("neighbor entry left behind")
	}
	if _, ok := d.LookupNeighbor(r, netip.MustParseAddr("10.0.0.1")); ok {
		t.Error("deleted neighbor still indexed")
	}
	if got := d.RefCount(Handle(r)); got != 0 {
		t.Errorf("RIF refs = %d, want 0", got)
	}
	if err := d.DeleteNeighbor(ctx, n); !errors.Is(err, util.ErrInvalidHandle) {
		t.Errorf("second DeleteNeighbor = %v, want ErrInvalidHandle", err)
	}
}

func TestDeleteNeighborHardwareFailure(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth1")
	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")

	failOn(mem, pd.TableNeighbor, pd.Remove)
	if err := d.DeleteNeighbor(ctx, n); !errors.Is(err, util.ErrHardwareFailed) {
		t.Fatalf("DeleteNeighbor = %v, want ErrHardwareFailed", err)
	}
	if _, err := d.GetNeighbor(n); err != nil {
		t.Errorf("neighbor gone after failed delete: %v", err)
	}
	if got := d.RefCount(Handle(r)); got != 1 {
		t.Errorf("RIF refs = %d, want 1", got)
	}
}
