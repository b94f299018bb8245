package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateSocket(&cfg.Socket, result)
	validateIPRules(&cfg.IPRules, result)
	validateDDoS(&cfg.DDoS, result)
	validateNetwork(&cfg.Network, result)
	validateServer(&cfg.Server, result)
	validateServices(cfg, result)

	return result
}

func validateSocket(s *SocketConfig, result *ValidationResult) {
	if s.StallTime < socket.MinStallTime {
		result.AddWarning("socket.stall_time",
			fmt.Sprintf("stall time %d is below the minimum, %d will be used", s.StallTime, socket.MinStallTime))
	}
	switch s.Poller {
	case socket.PollerEpoll, socket.PollerSelect:
	default:
		result.AddError("socket.poller", fmt.Sprintf("unknown poller %q (use epoll or select)", s.Poller))
	}
	if s.Poller == socket.PollerEpoll && s.EpollMaxEvents < socket.MinEpollEvents {
		result.AddWarning("socket.epoll_maxevents",
			fmt.Sprintf("epoll_maxevents %d is below the minimum, %d will be used", s.EpollMaxEvents, socket.MinEpollEvents))
	}
	if s.MaxClientPacket < 1 || s.MaxClientPacket > socket.MaxPacketLen {
		result.AddError("socket.socket_max_client_packet",
			fmt.Sprintf("must be between 1 and %d", socket.MaxPacketLen))
	}
	if s.MaxConnections < 0 {
		result.AddError("socket.max_connections", "must not be negative")
	}
}

func validateIPRules(r *IPRulesConfig, result *ValidationResult) {
	if _, err := access.ParseOrder(r.Order); err != nil {
		result.AddError("ip_rules.order", err.Error())
	}
	validateSubnets("ip_rules.allow_list", r.AllowList, result)
	validateSubnets("ip_rules.deny_list", r.DenyList, result)

	if !r.Enable {
		result.AddWarning("ip_rules.enable", "inbound access screening and DDoS protection are disabled")
	}
}

func validateSubnets(field string, entries []string, result *ValidationResult) {
	for _, entry := range entries {
		s, err := access.ParseIPMask(entry)
		if err != nil {
			result.AddError(field, err.Error())
			continue
		}
		if s.IsWildcard() {
			result.AddWarning(field, fmt.Sprintf("%q matches every address", entry))
		}
	}
}

func validateDDoS(d *access.DDoSConfig, result *ValidationResult) {
	if d.Interval < 1 {
		result.AddError("ddos.interval", "interval must be at least 1 ms")
	}
	if d.Count < 2 {
		result.AddWarning("ddos.count", "a count below 2 flags every address on its first connection")
	}
	if d.Autoreset < d.Interval {
		result.AddWarning("ddos.autoreset", "autoreset is shorter than the detection interval")
	}
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	check := func(field string, entries []string) {
		for _, entry := range entries {
			s, err := access.ParseNetEntry(entry)
			if err != nil {
				result.AddError(field, err.Error())
				continue
			}
			if s.Mask == 0 {
				result.AddWarning(field, fmt.Sprintf("%q allows every address", entry))
			}
		}
	}
	check("network.lan_subnets", n.LANSubnets)
	check("network.trusted", n.Trusted)
	check("network.allowed", n.Allowed)

	if len(n.Trusted) == 0 && len(n.Allowed) == 0 {
		result.AddWarning("network", "no trusted or allowed addresses, every inter-server connection will be refused")
	}
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.BindIP != "" && net.ParseIP(s.BindIP).To4() == nil {
		result.AddError("server.bind_ip", fmt.Sprintf("invalid IPv4 address: %s", s.BindIP))
	}
	validatePort(s.Port, "server.port", result)

	if s.Upstream.Address != "" {
		if _, _, err := net.SplitHostPort(s.Upstream.Address); err != nil {
			result.AddError("server.upstream.address", err.Error())
		}
		if s.Upstream.ReconnectInterval < 1000 {
			result.AddWarning("server.upstream.reconnect_interval_ms",
				"reconnect interval less than 1s may flood the upstream")
		}
	}
}

func validateServices(cfg *Config, result *ValidationResult) {
	if cfg.API.Enabled {
		validatePort(cfg.API.Port, "api.port", result)
		if cfg.API.Port == cfg.Server.Port {
			result.AddError("api.port", "port conflict with server.port")
		}
		if strings.TrimSpace(cfg.API.Token) == "" {
			result.AddWarning("api.token", "no API token set, monitor and control routes are open")
		}
		if cfg.API.RateLimitRPS < 1 {
			result.AddWarning("api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
		if cfg.API.TLSEnabled && (cfg.API.TLSCertFile == "") != (cfg.API.TLSKeyFile == "") {
			result.AddError("api.tls_cert_file", "set both certificate and key, or neither for a self-signed pair")
		}
	}

	if cfg.MQTT.Enabled {
		if strings.TrimSpace(cfg.MQTT.BrokerURL) == "" {
			result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
			result.AddError("mqtt.port", "invalid MQTT port")
		}
	}

	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			result.AddError("database.path", "database path is required when enabled")
		}
		if cfg.Database.RetentionDays < 1 {
			result.AddError("database.retention_days", "retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", cfg.Database.PruneTime); err != nil {
			result.AddError("database.prune_time", "expected HH:MM")
		}
	}

	if cfg.Health.IntervalSec < 1 {
		result.AddWarning("health.interval_sec", "health checks are disabled")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 0 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 0-65535)", port))
		return
	}
	if port > 0 && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
