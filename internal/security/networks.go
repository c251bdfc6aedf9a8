package security

import (
	"fmt"
	"net"
)

// NetworkAllowlist admits clients whose address falls in one of a set of
// CIDR ranges, typically the clinic LAN. An empty list admits everyone.
type NetworkAllowlist struct {
	nets []*net.IPNet
}

// ParseNetworks builds an allowlist from CIDR strings.
func ParseNetworks(cidrs []string) (*NetworkAllowlist, error) {
	al := &NetworkAllowlist{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing network %q: %w", c, err)
		}
		al.nets = append(al.nets, n)
	}
	return al, nil
}

// Open reports whether the allowlist admits every address.
func (al *NetworkAllowlist) Open() bool {
	return al == nil || len(al.nets) == 0
}

// Contains reports whether ip (without port) is admitted.
func (al *NetworkAllowlist) Contains(ip string) bool {
	if al.Open() {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ContainsAddr is Contains for a host:port address.
func (al *NetworkAllowlist) ContainsAddr(addr string) bool {
	if al.Open() {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	return al.Contains(host)
}
