package switchapi

import (
	"bytes"
	"net"

	"github.com/newtron-network/fibsync/pkg/util"
)

type routerMAC struct {
	handle RouterMACHandle
	mac    net.HardwareAddr
}

// CreateRouterMAC registers a router MAC. Creating an already registered MAC
// returns its existing handle. Router MACs have no table entry of their own;
// each RIF using one installs a router_mac entry for its port.
func (d *Device) CreateRouterMAC(mac net.HardwareAddr) (RouterMACHandle, error) {
	if err := d.lock("create router MAC"); err != nil {
		return 0, err
	}
	defer d.mu.Unlock()
	return d.createRouterMAC(mac)
}

func (d *Device) createRouterMAC(mac net.HardwareAddr) (RouterMACHandle, error) {
	if !util.ValidUnicastMAC(mac) {
		return 0, util.NewParameterError("create router MAC", "mac", mac.String())
	}
	if h, ok := d.lookupRouterMAC(mac); ok {
		return h, nil
	}

	h, err := d.handles.allocate(KindRouterMAC)
	if err != nil {
		return 0, err
	}
	rh := RouterMACHandle(h)
	d.rmacs[rh] = &routerMAC{handle: rh, mac: append(net.HardwareAddr(nil), mac...)}
	util.WithDevice(d.name).Infof("Created router MAC %s (%s)", rh, mac)
	return rh, nil
}

// LookupRouterMAC finds the handle registered for mac.
func (d *Device) LookupRouterMAC(mac net.HardwareAddr) (RouterMACHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookupRouterMAC(mac)
}

func (d *Device) lookupRouterMAC(mac net.HardwareAddr) (RouterMACHandle, bool) {
	for h, r := range d.rmacs {
		if bytes.Equal(r.mac, mac) {
			return h, true
		}
	}
	return 0, false
}

// GetRouterMAC returns the address behind h.
func (d *Device) GetRouterMAC(h RouterMACHandle) (net.HardwareAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rmacs[h]
	if !ok {
		return nil, util.NewHandleError("get router MAC", h.String(), "")
	}
	return append(net.HardwareAddr(nil), r.mac...), nil
}

// DeleteRouterMAC frees a router MAC no RIF references.
func (d *Device) DeleteRouterMAC(h RouterMACHandle) error {
	if err := d.lock("delete router MAC"); err != nil {
		return err
	}
	defer d.mu.Unlock()
	return d.deleteRouterMAC(h)
}

func (d *Device) deleteRouterMAC(h RouterMACHandle) error {
	r, ok := d.rmacs[h]
	if !ok {
		return util.NewHandleError("delete router MAC", h.String(), "")
	}
	if err := d.handles.free(Handle(h)); err != nil {
		return err
	}
	delete(d.rmacs, h)
	util.WithDevice(d.name).Infof("Deleted router MAC %s (%s)", h, r.mac)
	return nil
}
