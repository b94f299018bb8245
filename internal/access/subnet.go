// Package access implements the IP access rules applied to inbound
// connections: subnet parsing, the allow/deny list evaluator, the
// connection-rate (DDoS) history and the inter-server network lists.
package access

import (
	"fmt"
	"strconv"
	"strings"
)

// Subnet is an IPv4 address with a netmask, both in host byte order.
type Subnet struct {
	IP   uint32 `json:"ip"`
	Mask uint32 `json:"mask"`
}

// Match reports whether ip belongs to the subnet.
func (s Subnet) Match(ip uint32) bool {
	return ip&s.Mask == s.IP&s.Mask
}

// IsWildcard reports whether the subnet matches every address.
func (s Subnet) IsWildcard() bool {
	return s.Mask == 0
}

func (s Subnet) String() string {
	return IP2Str(s.IP) + "/" + IP2Str(s.Mask)
}

// MakeIP packs four octets into a host order address.
func MakeIP(a, b, c, d uint8) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

// IP2Str formats a host order address as dotted quad.
func IP2Str(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

// Str2IP parses a dotted quad. Malformed input yields 0, the same value
// the resolver helpers use for "no address".
func Str2IP(s string) uint32 {
	ip, ok := parseQuad(strings.TrimSpace(s))
	if !ok {
		return 0
	}
	return ip
}

// ParseIPMask parses an access list entry. Accepted forms:
//
//	all
//	a.b.c.d
//	a.b.c.d/n
//	a.b.c.d/m.m.m.m
func ParseIPMask(s string) (Subnet, error) {
	s = strings.TrimSpace(s)
	if s == "all" {
		return Subnet{}, nil
	}

	addr, mask, hasMask := strings.Cut(s, "/")
	ip, ok := parseQuad(addr)
	if !ok {
		return Subnet{}, fmt.Errorf("invalid address in %q", s)
	}
	if !hasMask {
		return Subnet{IP: ip, Mask: 0xFFFFFFFF}, nil
	}

	if strings.Contains(mask, ".") {
		m, ok := parseQuad(mask)
		if !ok {
			return Subnet{}, fmt.Errorf("invalid netmask in %q", s)
		}
		return Subnet{IP: ip, Mask: m}, nil
	}

	bits, err := strconv.ParseUint(mask, 10, 8)
	if err != nil || bits > 32 {
		return Subnet{}, fmt.Errorf("invalid mask length in %q", s)
	}
	return Subnet{IP: ip, Mask: prefixMask(int(bits))}, nil
}

// ParseNetEntry parses the "ip:mask" form used by the network lists.
func ParseNetEntry(s string) (Subnet, error) {
	addr, mask, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Subnet{}, fmt.Errorf("invalid subnet %q, expected ip:mask", s)
	}
	ip, okIP := parseQuad(addr)
	m, okMask := parseQuad(mask)
	if !okIP || !okMask {
		return Subnet{}, fmt.Errorf("invalid subnet %q", s)
	}
	return Subnet{IP: ip, Mask: m}, nil
}

func prefixMask(bits int) uint32 {
	if bits == 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

func parseQuad(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var ip uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, false
		}
		ip = ip<<8 | uint32(n)
	}
	return ip, true
}
