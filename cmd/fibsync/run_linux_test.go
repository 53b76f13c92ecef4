//go:build linux

package main

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/newtron-network/fibsync/pkg/util"
)

func TestVRFTables(t *testing.T) {
	got, err := vrfTables(map[string]int{"100": 1, "200": 2})
	if err != nil {
		t.Fatalf("vrfTables: %v", err)
	}
	want := map[int]uint32{unix.RT_TABLE_MAIN: 0, 100: 1, 200: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("vrfTables mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []map[string]int{{"main": 1}, {"0": 1}, {"100": -1}} {
		if _, err := vrfTables(bad); !errors.Is(err, util.ErrInvalidParameter) {
			t.Errorf("vrfTables(%v) = %v, want ErrInvalidParameter", bad, err)
		}
	}
}
