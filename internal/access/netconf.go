package access

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// NetConfig holds the server-side network lists: LAN subnets used to pick
// the address announced to local peers, trusted addresses, and addresses
// allowed to open inter-server links.
type NetConfig struct {
	LANSubnets []Subnet
	Trusted    []Subnet
	Allowed    []Subnet
}

// ParseNetConfig builds a NetConfig from "ip:mask" strings.
func ParseNetConfig(lan, trusted, allowed []string) (*NetConfig, error) {
	nc := &NetConfig{}
	var err error
	if nc.LANSubnets, err = parseNetList("lan_subnets", lan); err != nil {
		return nil, err
	}
	if nc.Trusted, err = parseNetList("trusted", trusted); err != nil {
		return nil, err
	}
	if nc.Allowed, err = parseNetList("allowed", allowed); err != nil {
		return nil, err
	}

	for _, s := range nc.Trusted {
		if s.IsWildcard() {
			log.Warn().Msg("using a wildcard IP range in the trusted server IPs, NOT RECOMMENDED")
			break
		}
	}
	for _, s := range nc.Allowed {
		if s.IsWildcard() {
			log.Warn().Msg("using a wildcard IP range in the allowed server IPs, NOT RECOMMENDED")
			break
		}
	}
	if len(nc.Allowed)+len(nc.Trusted) == 0 {
		log.Warn().Msg("no allowed server IP ranges configured, inter-server connections will be refused")
	}

	log.Debug().
		Int("lan_subnets", len(nc.LANSubnets)).
		Int("trusted", len(nc.Trusted)).
		Int("allowed", len(nc.Allowed)).
		Msg("network configuration loaded")
	return nc, nil
}

func parseNetList(name string, entries []string) ([]Subnet, error) {
	out := make([]Subnet, 0, len(entries))
	for _, e := range entries {
		s, err := ParseNetEntry(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// LANSubnetCheck returns the configured LAN address of the subnet ip
// belongs to, and the matching subnet. It returns 0 when ip is not local.
func (nc *NetConfig) LANSubnetCheck(ip uint32) (uint32, Subnet) {
	for _, s := range nc.LANSubnets {
		if s.Match(ip) {
			return s.IP, s
		}
	}
	return 0, Subnet{}
}

// TrustedIPCheck reports whether ip is in the trusted list.
func (nc *NetConfig) TrustedIPCheck(ip uint32) bool {
	return matchAny(nc.Trusted, ip)
}

// AllowedIPCheck reports whether ip may open an inter-server link.
// Trusted addresses are always allowed.
func (nc *NetConfig) AllowedIPCheck(ip uint32) bool {
	return matchAny(nc.Allowed, ip) || nc.TrustedIPCheck(ip)
}

func matchAny(list []Subnet, ip uint32) bool {
	for _, s := range list {
		if s.Match(ip) {
			return true
		}
	}
	return false
}
