package switchapi

import (
	"context"
	"errors"
	"testing"

	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

func TestCreateRIF(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)

	h := mustRIF(t, d, "eth3")
	info, err := d.GetRIF(h)
	if err != nil {
		t.Fatalf("GetRIF: %v", err)
	}
	if info.PortID != 3 || info.PhyPortID != 3 || info.Interface != "eth3" {
		t.Errorf("GetRIF = %+v", info)
	}
	if info.RouterMAC != d.DefaultRouterMAC() {
		t.Errorf("RouterMAC = %s, want default %s", info.RouterMAC, d.DefaultRouterMAC())
	}
	if info.MAC.String() != defaultMAC {
		t.Errorf("MAC = %s, want %s", info.MAC, defaultMAC)
	}

	e, ok := mem.Get(pd.TableRouterMAC, "3|"+defaultMAC)
	if !ok {
		t.Fatalf("router_mac entry missing; tables: %v", mem.History())
	}
	if got := e.(pd.RouterMACEntry).RIF; got != Handle(h).ID() {
		t.Errorf("router_mac entry RIF = %d, want %d", got, Handle(h).ID())
	}

	// The RIF holds a reference on the default router MAC besides the
	// device's own.
	if got := d.RefCount(Handle(d.DefaultRouterMAC())); got != 2 {
		t.Errorf("default rmac refs = %d, want 2", got)
	}

	if got, ok := d.LookupRIF("eth3"); !ok || got != h {
		t.Errorf("LookupRIF = %s, %v", got, ok)
	}
	if _, err := d.CreateRIF(ctx, RIFSpec{Interface: "eth3"}); !errors.Is(err, util.ErrInvalidParameter) {
		t.Errorf("duplicate interface = %v, want ErrInvalidParameter", err)
	}
}

func TestCreateRIFValidation(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)

	tests := []struct {
		name string
		spec RIFSpec
		want error
	}{
		{"empty interface", RIFSpec{}, util.ErrInvalidParameter},
		{"unknown interface", RIFSpec{Interface: "eth9"}, util.ErrInvalidParameter},
		{"bad router mac", RIFSpec{Interface: "eth1", RouterMAC: RouterMACHandle(makeHandle(KindRouterMAC, 99))}, util.ErrInvalidHandle},
		{"wrong handle kind", RIFSpec{Interface: "eth1", RouterMAC: RouterMACHandle(makeHandle(KindRIF, 1))}, util.ErrInvalidHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.CreateRIF(ctx, tt.spec); !errors.Is(err, tt.want) {
				t.Errorf("CreateRIF = %v, want %v", err, tt.want)
			}
		})
	}
	if len(mem.History()) != 0 {
		t.Errorf("validation failures touched the tables: %v", mem.History())
	}
}

func TestCreateRIFHardwareFailure(t *testing.T) {
	d, mem := newTestDevice(t)
	failOn(mem, pd.TableRouterMAC, pd.Add)

	_, err := d.CreateRIF(context.Background(), RIFSpec{Interface: "eth1"})
	if !errors.Is(err, util.ErrHardwareFailed) {
		t.Fatalf("CreateRIF = %v, want ErrHardwareFailed", err)
	}
	if n := d.Stats()[KindRIF]; n != 0 {
		t.Errorf("%d RIF handles allocated after failure", n)
	}
	if _, ok := d.LookupRIF("eth1"); ok {
		t.Error("failed RIF is visible")
	}
	if got := d.RefCount(Handle(d.DefaultRouterMAC())); got != 1 {
		t.Errorf("default rmac refs = %d, want 1", got)
	}
}

func TestDeleteRIF(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)

	r := mustRIF(t, d, "eth1")
	n := mustNeighbor(t, d, r, "10.0.0.1", "aa:bb:cc:dd:ee:01")

	mem.ResetHistory()
	err := d.DeleteRIF(ctx, r)
	if !errors.Is(err, util.ErrInUse) {
		t.Fatalf("DeleteRIF with neighbor = %v, want ErrInUse", err)
	}
	if len(mem.History()) != 0 {
		t.Errorf("InUse delete touched the tables: %v", mem.History())
	}

	if err := d.DeleteNeighbor(ctx, n); err != nil {
		t.Fatalf("DeleteNeighbor: %v", err)
	}
	if err := d.DeleteRIF(ctx, r); err != nil {
		t.Fatalf("DeleteRIF: %v", err)
	}
	if mem.Len(pd.TableRouterMAC) != 0 {
		t.Error("router_mac entry left behind")
	}
	if _, err := d.GetRIF(r); !errors.Is(err, util.ErrInvalidHandle) {
		t.Errorf("GetRIF after delete = %v, want ErrInvalidHandle", err)
	}
	if err := d.DeleteRIF(ctx, r); !errors.Is(err, util.ErrInvalidHandle) {
		t.Errorf("second DeleteRIF = %v, want ErrInvalidHandle", err)
	}
	if got := d.RefCount(Handle(d.DefaultRouterMAC())); got != 1 {
		t.Errorf("default rmac refs = %d, want 1", got)
	}
}

func TestSetRIFRouterMAC(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth2")

	other, err := d.CreateRouterMAC(mac(t, "00:aa:bb:00:00:02"))
	if err != nil {
		t.Fatalf("CreateRouterMAC: %v", err)
	}

	mem.ResetHistory()
	if err := d.SetRIFRouterMAC(ctx, r, other); err != nil {
		t.Fatalf("SetRIFRouterMAC: %v", err)
	}
	want := []string{
		"add router_mac[2|00:aa:bb:00:00:02]",
		"remove router_mac[2|" + defaultMAC + "]",
	}
	hist := mem.History()
	if len(hist) != len(want) {
		t.Fatalf("history = %v, want %v", hist, want)
	}
	for i := range want {
		if hist[i].String() != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, hist[i], want[i])
		}
	}
	if got := d.RefCount(Handle(other)); got != 1 {
		t.Errorf("new rmac refs = %d, want 1", got)
	}
	if err := d.DeleteRouterMAC(other); !errors.Is(err, util.ErrInUse) {
		t.Errorf("DeleteRouterMAC in use = %v, want ErrInUse", err)
	}

	// Same router MAC again is a no-op.
	mem.ResetHistory()
	if err := d.SetRIFRouterMAC(ctx, r, other); err != nil {
		t.Fatalf("SetRIFRouterMAC: %v", err)
	}
	if len(mem.History()) != 0 {
		t.Errorf("no-op swap touched the tables: %v", mem.History())
	}
}

func TestSetRIFRouterMACOldEntryGone(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth2")
	other, err := d.CreateRouterMAC(mac(t, "00:aa:bb:00:00:02"))
	if err != nil {
		t.Fatalf("CreateRouterMAC: %v", err)
	}

	// The old entry was flushed behind the device's back.
	old, ok := mem.Get(pd.TableRouterMAC, "2|"+defaultMAC)
	if !ok {
		t.Fatalf("router_mac entry missing: %v", mem.Entries(pd.TableRouterMAC))
	}
	if err := pd.Apply(ctx, mem, pd.Remove, old); err != nil {
		t.Fatalf("external remove: %v", err)
	}

	if err := d.SetRIFRouterMAC(ctx, r, other); err != nil {
		t.Fatalf("SetRIFRouterMAC with old entry gone: %v", err)
	}
	if _, ok := mem.Get(pd.TableRouterMAC, "2|00:aa:bb:00:00:02"); !ok {
		t.Error("new router_mac entry not installed")
	}
	info, _ := d.GetRIF(r)
	if info.RouterMAC != other {
		t.Errorf("RIF router MAC = %s, want %s", info.RouterMAC, other)
	}
}

func TestSetRIFRouterMACRollback(t *testing.T) {
	ctx := context.Background()
	d, mem := newTestDevice(t)
	r := mustRIF(t, d, "eth2")
	other, _ := d.CreateRouterMAC(mac(t, "00:aa:bb:00:00:02"))

	oldKey := "2|" + defaultMAC
	mem.FailWhen(func(op pd.Op, e pd.Entry) error {
		if op == pd.Remove && e.Key() == oldKey {
			return errors.New("injected failure")
		}
		return nil
	})
	err := d.SetRIFRouterMAC(ctx, r, other)
	if !errors.Is(err, util.ErrHardwareFailed) {
		t.Fatalf("SetRIFRouterMAC = %v, want ErrHardwareFailed", err)
	}
	info, _ := d.GetRIF(r)
	if info.RouterMAC != d.DefaultRouterMAC() {
		t.Errorf("RouterMAC = %s after failed swap", info.RouterMAC)
	}
	if got := d.RefCount(Handle(other)); got != 0 {
		t.Errorf("new rmac refs = %d after failed swap, want 0", got)
	}
	entries := mem.Entries(pd.TableRouterMAC)
	if len(entries) != 1 || entries[0].Key() != oldKey {
		t.Errorf("router_mac table = %v, want only %s", entries, oldKey)
	}
}

func TestRouterMACLifecycle(t *testing.T) {
	d, _ := newTestDevice(t)

	h, err := d.CreateRouterMAC(mac(t, "00:aa:bb:00:00:05"))
	if err != nil {
		t.Fatalf("CreateRouterMAC: %v", err)
	}
	again, _ := d.CreateRouterMAC(mac(t, "00:aa:bb:00:00:05"))
	if again != h {
		t.Errorf("re-create returned %s, want %s", again, h)
	}
	if got, ok := d.LookupRouterMAC(mac(t, "00:aa:bb:00:00:05")); !ok || got != h {
		t.Errorf("LookupRouterMAC = %s, %v", got, ok)
	}
	if _, err := d.CreateRouterMAC(mac(t, "ff:ff:ff:ff:ff:ff")); !errors.Is(err, util.ErrInvalidParameter) {
		t.Errorf("broadcast rmac = %v, want ErrInvalidParameter", err)
	}
	if err := d.DeleteRouterMAC(d.DefaultRouterMAC()); !errors.Is(err, util.ErrInUse) {
		t.Errorf("DeleteRouterMAC(default) = %v, want ErrInUse", err)
	}
	if err := d.DeleteRouterMAC(h); err != nil {
		t.Fatalf("DeleteRouterMAC: %v", err)
	}
	if _, err := d.GetRouterMAC(h); !errors.Is(err, util.ErrInvalidHandle) {
		t.Errorf("GetRouterMAC after delete = %v, want ErrInvalidHandle", err)
	}
}
