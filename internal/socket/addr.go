package socket

import (
	"context"
	"fmt"
	"net"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/hercules-project/hercules/internal/access"
)

// GetIPs returns up to max IPv4 addresses of the host's non-loopback
// interfaces. Loopback is returned when nothing else is configured.
func GetIPs(max int) []uint32 {
	var ips []uint32
	ifaces, err := psnet.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
				continue
			}
			for _, a := range iface.Addrs {
				if len(ips) >= max {
					return ips
				}
				addr := a.Addr
				if i := strings.IndexByte(addr, '/'); i >= 0 {
					addr = addr[:i]
				}
				ip := net.ParseIP(addr).To4()
				if ip == nil {
					continue
				}
				ips = append(ips, access.MakeIP(ip[0], ip[1], ip[2], ip[3]))
			}
		}
	}
	if len(ips) == 0 && max > 0 {
		ips = append(ips, access.MakeIP(127, 0, 0, 1))
	}
	return ips
}

func hasFlag(flags []string, name string) bool {
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}

// Host2IP resolves a hostname to its first IPv4 address, 0 when it cannot.
func Host2IP(ctx context.Context, host string) uint32 {
	if ip := access.Str2IP(host); ip != 0 {
		return ip
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		return 0
	}
	ip := addrs[0].To4()
	return access.MakeIP(ip[0], ip[1], ip[2], ip[3])
}

// LocalAddr returns the address a socket is bound to as "a.b.c.d:port".
func LocalAddr(fd int) (string, error) {
	ip, port, err := localAddr(fd)
	if err != nil {
		return "", fmt.Errorf("local address of socket #%d: %w", fd, err)
	}
	return fmt.Sprintf("%s:%d", access.IP2Str(ip), port), nil
}
