package util

import (
	"fmt"
	"net"
	"net/netip"
)

// ParsePrefix parses a CIDR string and returns it in canonical (masked) form.
// A bare address is treated as a host route.
func ParsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, NewParameterError("parse-prefix", "prefix", fmt.Sprintf("%q is not a CIDR or address", s))
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseAddr parses an IPv4 or IPv6 address, unmapping IPv4-in-IPv6 forms.
func ParseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, NewParameterError("parse-addr", "address", fmt.Sprintf("%q", s))
	}
	return addr.Unmap(), nil
}

// ParseMAC parses a 48-bit Ethernet address. Longer hardware addresses
// (EUI-64, InfiniBand) are rejected since rewrite actions carry 6 bytes.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, NewParameterError("parse-mac", "mac", fmt.Sprintf("%q", s))
	}
	if len(mac) != 6 {
		return nil, NewParameterError("parse-mac", "mac", fmt.Sprintf("%q is not a 48-bit address", s))
	}
	return mac, nil
}

// ValidUnicastMAC reports whether mac is a usable 48-bit unicast address.
func ValidUnicastMAC(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	if mac[0]&0x01 != 0 {
		return false // multicast/broadcast
	}
	for _, b := range mac {
		if b != 0 {
			return true
		}
	}
	return false
}

// Family returns "ipv4" or "ipv6" for a prefix.
func Family(p netip.Prefix) string {
	if p.Addr().Is4() {
		return "ipv4"
	}
	return "ipv6"
}
