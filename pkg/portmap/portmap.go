// Package portmap binds interface names to pipeline ports.
//
// The port configuration is a YAML file:
//
//	ports:
//	  - {name: Ethernet0, phy_port_id: 0}
//	  - {name: Ethernet4, port_id: 300, phy_port_id: 1}
//
// port_id defaults to phy_port_id plus ControlPortOffset.
package portmap

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// ControlPortOffset separates logical port ids from physical ones when a
// port entry leaves port_id unset.
const ControlPortOffset = 256

type portFile struct {
	Ports []portRecord `yaml:"ports"`
}

type portRecord struct {
	Name      string  `yaml:"name"`
	PortID    *uint32 `yaml:"port_id,omitempty"`
	PhyPortID uint32  `yaml:"phy_port_id"`
}

// Map resolves interface names to port bindings. It implements
// switchapi.PortResolver.
type Map struct {
	ports map[string]switchapi.Port
}

// New builds a map from explicit bindings. Duplicate names are rejected.
func New(ports ...switchapi.Port) (*Map, error) {
	m := &Map{ports: make(map[string]switchapi.Port, len(ports))}
	for _, p := range ports {
		if p.Name == "" {
			return nil, util.NewParameterError("port map", "name", "empty")
		}
		if _, dup := m.ports[p.Name]; dup {
			return nil, util.NewParameterError("port map", "name", fmt.Sprintf("%s listed twice", p.Name))
		}
		m.ports[p.Name] = p
	}
	return m, nil
}

// Load reads a port configuration file.
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening port config: %w", err)
	}
	defer f.Close()
	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a port configuration.
func Parse(r io.Reader) (*Map, error) {
	var file portFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing port config: %w", err)
	}

	ports := make([]switchapi.Port, 0, len(file.Ports))
	for _, rec := range file.Ports {
		id := rec.PhyPortID + ControlPortOffset
		if rec.PortID != nil {
			id = *rec.PortID
		}
		ports = append(ports, switchapi.Port{Name: rec.Name, ID: id, PhyID: rec.PhyPortID})
	}
	return New(ports...)
}

// Resolve returns the binding of an interface.
func (m *Map) Resolve(name string) (switchapi.Port, error) {
	p, ok := m.ports[name]
	if !ok {
		return switchapi.Port{}, util.NewParameterError("resolve port", "interface", fmt.Sprintf("%q not in port map", name))
	}
	return p, nil
}

// Has reports whether name is a mapped interface.
func (m *Map) Has(name string) bool {
	_, ok := m.ports[name]
	return ok
}

// Ports returns all bindings sorted by name.
func (m *Map) Ports() []switchapi.Port {
	out := make([]switchapi.Port, 0, len(m.ports))
	for _, p := range m.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
