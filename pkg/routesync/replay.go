package routesync

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/fibsync/pkg/switchapi"
	"github.com/newtron-network/fibsync/pkg/util"
)

// eventFile is the on-disk form of a recorded event stream:
//
//	events:
//	  - {op: add, type: link, device: 1, interface: eth1}
//	  - {op: add, type: neighbor, device: 1, interface: eth1, ip: 10.0.0.1, mac: "aa:bb:cc:dd:ee:01"}
//	  - op: add
//	    type: route
//	    device: 1
//	    prefix: 192.0.2.0/24
//	    gateways: [{ip: 10.0.0.1, interface: eth1}]
type eventFile struct {
	Events []eventRecord `yaml:"events"`
}

type eventRecord struct {
	Op        string          `yaml:"op"`
	Type      string          `yaml:"type"`
	Device    uint16          `yaml:"device"`
	Family    string          `yaml:"family,omitempty"`
	VRF       uint32          `yaml:"vrf,omitempty"`
	Prefix    string          `yaml:"prefix,omitempty"`
	Gateways  []gatewayRecord `yaml:"gateways,omitempty"`
	Action    string          `yaml:"action,omitempty"`
	Interface string          `yaml:"interface,omitempty"`
	IP        string          `yaml:"ip,omitempty"`
	MAC       string          `yaml:"mac,omitempty"`
}

type gatewayRecord struct {
	IP        string `yaml:"ip"`
	Interface string `yaml:"interface"`
}

// LoadFile reads a recorded event stream from path.
func LoadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening event file: %w", err)
	}
	defer f.Close()
	events, err := LoadEvents(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}

// LoadEvents decodes a YAML event stream. Records are converted but not
// validated; the engine validates each event when it is applied.
func LoadEvents(r io.Reader) ([]Event, error) {
	var file eventFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parsing events: %w", err)
	}

	events := make([]Event, 0, len(file.Events))
	for i, rec := range file.Events {
		ev, err := rec.event()
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (rec eventRecord) event() (Event, error) {
	ev := Event{
		Device:    switchapi.DeviceID(rec.Device),
		VRF:       rec.VRF,
		Interface: rec.Interface,
	}

	switch strings.ToLower(rec.Op) {
	case "add":
		ev.Op = OpAdd
	case "delete", "del":
		ev.Op = OpDelete
	default:
		return Event{}, util.NewParameterError("load event", "op", rec.Op)
	}

	switch strings.ToLower(rec.Type) {
	case "route":
		ev.Type = TypeRoute
	case "neighbor", "neigh":
		ev.Type = TypeNeighbor
	case "link":
		ev.Type = TypeLink
	default:
		return Event{}, util.NewParameterError("load event", "type", rec.Type)
	}

	switch strings.ToLower(rec.Family) {
	case "":
	case "ipv4", "inet", "4":
		ev.Family = FamilyIPv4
	case "ipv6", "inet6", "6":
		ev.Family = FamilyIPv6
	default:
		return Event{}, util.NewParameterError("load event", "family", rec.Family)
	}

	var err error
	if rec.Prefix != "" {
		if ev.Prefix, err = util.ParsePrefix(rec.Prefix); err != nil {
			return Event{}, err
		}
	}
	if rec.IP != "" {
		if ev.Addr, err = util.ParseAddr(rec.IP); err != nil {
			return Event{}, err
		}
	}
	if rec.MAC != "" {
		if ev.MAC, err = util.ParseMAC(rec.MAC); err != nil {
			return Event{}, err
		}
	}
	if rec.Action != "" {
		if ev.Action, err = switchapi.ParseRouteAction(rec.Action); err != nil {
			return Event{}, err
		}
	}
	for _, gw := range rec.Gateways {
		addr, err := util.ParseAddr(gw.IP)
		if err != nil {
			return Event{}, err
		}
		ev.Gateways = append(ev.Gateways, NextHop{Interface: gw.Interface, Addr: addr})
	}
	return ev, nil
}
