package access

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Order selects how allow and deny list matches are combined.
type Order int

const (
	DenyAllow Order = iota
	AllowDeny
	MutualFailure
)

var orderNames = map[Order]string{
	DenyAllow:     "deny,allow",
	AllowDeny:     "allow,deny",
	MutualFailure: "mutual-failure",
}

func (o Order) String() string {
	if s, ok := orderNames[o]; ok {
		return s
	}
	return "unknown"
}

// ParseOrder accepts the order names used in configuration files.
// Whitespace around the comma is ignored.
func ParseOrder(s string) (Order, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	for o, name := range orderNames {
		if norm == name {
			return o, nil
		}
	}
	return DenyAllow, fmt.Errorf("unknown access order %q", s)
}

// Decision is the outcome of screening a peer address.
type Decision int

const (
	Reject Decision = iota
	Accept
	// AcceptUnconditional passes even when the address is flagged by the
	// connection history.
	AcceptUnconditional
)

func (d Decision) String() string {
	switch d {
	case Reject:
		return "reject"
	case Accept:
		return "accept"
	case AcceptUnconditional:
		return "accept_unconditional"
	default:
		return "unknown"
	}
}

// ACL holds the ordered allow and deny subnets.
type ACL struct {
	Order Order
	Allow []Subnet
	Deny  []Subnet
	Debug bool

	logger zerolog.Logger
}

// NewACL creates an empty list using the default deny,allow order.
func NewACL() *ACL {
	return &ACL{
		Order:  DenyAllow,
		logger: log.With().Str("component", "acl").Logger(),
	}
}

// ParseACL builds an ACL from configuration strings.
func ParseACL(order string, allow, deny []string) (*ACL, error) {
	acl := NewACL()
	if order != "" {
		o, err := ParseOrder(order)
		if err != nil {
			return nil, err
		}
		acl.Order = o
	}
	for _, entry := range allow {
		if err := acl.AddAllow(entry); err != nil {
			return nil, err
		}
	}
	for _, entry := range deny {
		if err := acl.AddDeny(entry); err != nil {
			return nil, err
		}
	}
	return acl, nil
}

// AddAllow appends an entry to the allow list.
func (a *ACL) AddAllow(entry string) error {
	s, err := ParseIPMask(entry)
	if err != nil {
		return fmt.Errorf("allow: %w", err)
	}
	if s.IsWildcard() {
		a.logger.Warn().Msg("allow list contains 'all', every address is allowed unconditionally")
	}
	a.Allow = append(a.Allow, s)
	a.logger.Debug().Str("subnet", s.String()).Msg("allow entry loaded")
	return nil
}

// AddDeny appends an entry to the deny list.
func (a *ACL) AddDeny(entry string) error {
	s, err := ParseIPMask(entry)
	if err != nil {
		return fmt.Errorf("deny: %w", err)
	}
	if s.IsWildcard() {
		a.logger.Warn().Msg("deny list contains 'all', every address is denied")
	}
	a.Deny = append(a.Deny, s)
	a.logger.Debug().Str("subnet", s.String()).Msg("deny entry loaded")
	return nil
}

// Check evaluates ip against both lists and the configured order.
func (a *ACL) Check(ip uint32) Decision {
	allowed := a.match(a.Allow, ip, "allow")
	denied := a.match(a.Deny, ip, "deny")

	switch a.Order {
	case AllowDeny:
		if allowed {
			return AcceptUnconditional
		}
		if denied {
			return Reject
		}
		return Accept
	case MutualFailure:
		if allowed && !denied {
			return AcceptUnconditional
		}
		return Reject
	default:
		if denied {
			return Reject
		}
		if allowed {
			return AcceptUnconditional
		}
		return Accept
	}
}

func (a *ACL) match(list []Subnet, ip uint32, name string) bool {
	for _, s := range list {
		if s.Match(ip) {
			if a.Debug {
				a.logger.Debug().
					Str("ip", IP2Str(ip)).
					Str("list", name).
					Str("subnet", s.String()).
					Msg("address matched")
			}
			return true
		}
	}
	return false
}
