//go:build integration

package pd_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/newtron-network/fibsync/internal/testutil"
	"github.com/newtron-network/fibsync/pkg/pd"
	"github.com/newtron-network/fibsync/pkg/util"
)

func TestRedisProgrammer(t *testing.T) {
	testutil.SkipIfNoRedis(t)
	testutil.FlushDB(t, testutil.TestDB)

	ctx := context.Background()
	p := pd.NewRedisProgrammer(testutil.RedisAddr(), testutil.TestDB)
	defer p.Close()
	if err := p.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	key := pd.RouteKey{VRF: 0, Prefix: netip.MustParsePrefix("10.0.0.0/24")}
	viaNH := pd.RouteV4Entry{RouteKey: key, Forward: pd.Forward{Kind: pd.ForwardNextHop, ID: 1}}
	viaGroup := pd.RouteV4Entry{RouteKey: key, Forward: pd.Forward{Kind: pd.ForwardGroup, ID: 2}}

	s, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Apply(ctx, pd.Add, viaNH); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Apply(ctx, pd.Add, viaGroup); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got := testutil.HashAt(t, testutil.TestDB, pd.RedisKey(pd.TableRouteV4, key.String()))
	if got["action"] != "ecmp_hash_action" || got["group_id"] != "2" {
		t.Errorf("stored fields = %v", got)
	}
	if _, stale := got["nexthop_id"]; stale {
		t.Errorf("overwrite left stale field nexthop_id: %v", got)
	}

	dump, err := p.Dump(ctx, pd.TableRouteV4)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if _, ok := dump["0|10.0.0.0/24"]; !ok || len(dump) != 1 {
		t.Errorf("Dump = %v", dump)
	}

	if err := s.Apply(ctx, pd.Remove, viaGroup); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Apply(ctx, pd.Remove, viaGroup); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}
