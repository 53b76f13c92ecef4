package portmap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

func TestParse(t *testing.T) {
	m, err := Parse(strings.NewReader(`
ports:
  - {name: Ethernet4, port_id: 300, phy_port_id: 1}
  - {name: Ethernet0, phy_port_id: 0}
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := []switchapi.Port{
		{Name: "Ethernet0", ID: ControlPortOffset, PhyID: 0},
		{Name: "Ethernet4", ID: 300, PhyID: 1},
	}
	if diff := cmp.Diff(want, m.Ports()); diff != "" {
		t.Errorf("ports mismatch (-want +got):\n%s", diff)
	}

	p, err := m.Resolve("Ethernet4")
	if err != nil || p.ID != 300 {
		t.Errorf("Resolve(Ethernet4) = %+v, %v", p, err)
	}
	if _, err := m.Resolve("Ethernet8"); !errors.Is(err, util.ErrInvalidParameter) {
		t.Errorf("Resolve(unknown) = %v, want ErrInvalidParameter", err)
	}
	if !m.Has("Ethernet0") || m.Has("eth0") {
		t.Error("Has() disagrees with the file")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"duplicate", "ports: [{name: e0, phy_port_id: 0}, {name: e0, phy_port_id: 1}]"},
		{"unnamed", "ports: [{phy_port_id: 0}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.in)); !errors.Is(err, util.ErrInvalidParameter) {
				t.Errorf("Parse = %v, want ErrInvalidParameter", err)
			}
		})
	}
	if _, err := Parse(strings.NewReader("ports: [")); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.yaml")
	if err := os.WriteFile(path, []byte("ports:\n  - {name: eth1, port_id: 1, phy_port_id: 1}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Ports()) != 1 {
		t.Errorf("Ports() = %v", m.Ports())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
