// Package config handles configuration loading, validation, and persistence
// for the Hercules socket server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hercules-project/hercules/internal/access"
	"github.com/hercules-project/hercules/internal/socket"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5000
	DefaultServerPort = 6900

	redactedSecret = "********"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Socket   SocketConfig      `json:"socket" yaml:"socket"`
	IPRules  IPRulesConfig     `json:"ip_rules" yaml:"ip_rules"`
	DDoS     access.DDoSConfig `json:"ddos" yaml:"ddos"`
	Network  NetworkConfig     `json:"network" yaml:"network"`
	Server   ServerConfig      `json:"server" yaml:"server"`
	API      APIConfig         `json:"api" yaml:"api"`
	MQTT     MQTTConfig        `json:"mqtt" yaml:"mqtt"`
	Database DatabaseConfig    `json:"database" yaml:"database"`
	Health   HealthConfig      `json:"health" yaml:"health"`
	Logging  LoggingConfig     `json:"logging" yaml:"logging"`
}

// SocketConfig tunes the reactor.
type SocketConfig struct {
	StallTime       int64  `json:"stall_time" yaml:"stall_time"`
	Poller          string `json:"poller" yaml:"poller"`
	EpollMaxEvents  int    `json:"epoll_maxevents" yaml:"epoll_maxevents"`
	Debug           bool   `json:"debug" yaml:"debug"`
	MaxClientPacket int    `json:"socket_max_client_packet" yaml:"socket_max_client_packet"`
	MaxConnections  int    `json:"max_connections" yaml:"max_connections"`
	Shortlist       bool   `json:"shortlist" yaml:"shortlist"`
	ShowStats       bool   `json:"show_stats" yaml:"show_stats"`
}

// IPRulesConfig holds the inbound access list.
type IPRulesConfig struct {
	Enable    bool     `json:"enable" yaml:"enable"`
	Order     string   `json:"order" yaml:"order"`
	AllowList []string `json:"allow_list" yaml:"allow_list"`
	DenyList  []string `json:"deny_list" yaml:"deny_list"`
}

// NetworkConfig lists the inter-server address ranges as "ip:mask".
type NetworkConfig struct {
	LANSubnets []string `json:"lan_subnets" yaml:"lan_subnets"`
	Trusted    []string `json:"trusted" yaml:"trusted"`
	Allowed    []string `json:"allowed" yaml:"allowed"`
}

// ServerConfig sets the listening address and the optional upstream link.
type ServerConfig struct {
	BindIP   string         `json:"bind_ip" yaml:"bind_ip"`
	Port     int            `json:"port" yaml:"port"`
	Upstream UpstreamConfig `json:"upstream" yaml:"upstream"`
	Console  bool           `json:"console" yaml:"console"`
}

// UpstreamConfig describes an inter-server link kept open by the server.
type UpstreamConfig struct {
	Name              string `json:"name" yaml:"name"`
	Address           string `json:"address" yaml:"address"` // host:port, empty disables
	ReconnectInterval int64  `json:"reconnect_interval_ms" yaml:"reconnect_interval_ms"`
	PingInterval      int64  `json:"ping_interval_ms" yaml:"ping_interval_ms"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Port           int      `json:"port" yaml:"port"`
	Token          string   `json:"token" yaml:"token"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file" yaml:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"broker_url" yaml:"broker_url"`
	Port        int    `json:"port" yaml:"port"`
	UseTLS      bool   `json:"use_tls" yaml:"use_tls"`
	CertFile    string `json:"cert_file" yaml:"cert_file"`
	KeyFile     string `json:"key_file" yaml:"key_file"`
	CAFile      string `json:"ca_file" yaml:"ca_file"`
	ClientID    string `json:"client_id" yaml:"client_id"`
	TopicPrefix string `json:"topic_prefix" yaml:"topic_prefix"`
	// StatsEvery publishes every Nth stats event; 0 disables stats.
	StatsEvery int `json:"stats_every" yaml:"stats_every"`
}

// DatabaseConfig holds the audit log settings.
type DatabaseConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Path          string `json:"path" yaml:"path"`
	RetentionDays int    `json:"retention_days" yaml:"retention_days"`
	PruneTime     string `json:"prune_time" yaml:"prune_time"` // HH:MM local time
}

// HealthConfig sets the reactor health thresholds.
type HealthConfig struct {
	IntervalSec       int     `json:"interval_sec" yaml:"interval_sec"`
	OccupancyWarn     float64 `json:"occupancy_warn" yaml:"occupancy_warn"` // fraction of capacity
	QueuedOutWarnKB   int64   `json:"queued_out_warn_kb" yaml:"queued_out_warn_kb"`
	MaxLoopLatencyMs  int64   `json:"max_loop_latency_ms" yaml:"max_loop_latency_ms"`
	MinFreeDescriptor int     `json:"min_free_descriptors" yaml:"min_free_descriptors"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Directory  string `json:"directory" yaml:"directory"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Socket: SocketConfig{
			StallTime:       socket.DefaultStallTime,
			Poller:          socket.PollerEpoll,
			EpollMaxEvents:  512,
			MaxClientPacket: socket.DefaultMaxClientPacket,
			Shortlist:       true,
		},
		IPRules: IPRulesConfig{
			Enable: true,
			Order:  "deny,allow",
		},
		DDoS: access.DefaultDDoSConfig(),
		Network: NetworkConfig{
			LANSubnets: []string{"127.0.0.1:255.0.0.0"},
			Trusted:    []string{},
			Allowed:    []string{"127.0.0.1:255.0.0.0"},
		},
		Server: ServerConfig{
			BindIP:  "0.0.0.0",
			Port:    DefaultServerPort,
			Console: true,
			Upstream: UpstreamConfig{
				ReconnectInterval: 10000,
				PingInterval:      30000,
			},
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        8883,
			UseTLS:      true,
			TopicPrefix: "hercules",
			StatsEvery:  10,
		},
		Database: DatabaseConfig{
			Enabled:       true,
			Path:          "data/audit.db",
			RetentionDays: 30,
			PruneTime:     "04:00",
		},
		Health: HealthConfig{
			IntervalSec:       30,
			OccupancyWarn:     0.9,
			QueuedOutWarnKB:   64 * 1024,
			MaxLoopLatencyMs:  2000,
			MinFreeDescriptor: 64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads config.json from configDir, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	return LoadFile(filepath.Join(configDir, DefaultConfigFile))
}

// LoadFile reads a JSON or YAML (.yaml, .yml) configuration file. A missing
// file is created with the defaults.
func LoadFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Save writes the current configuration to disk in the format implied by
// the file extension.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(c.path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Reload re-reads the file the configuration was loaded from and replaces
// the access sections. The other sections only take effect on restart.
func (c *Config) Reload() error {
	fresh, err := LoadFile(c.Path())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.IPRules = fresh.IPRules
	c.DDoS = fresh.DDoS
	c.Network = fresh.Network
	return nil
}

// Redacted returns a copy of the settings with secrets masked, for the
// admin API.
func (c *Config) Redacted() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := &Config{
		path:     c.path,
		Socket:   c.Socket,
		IPRules:  c.IPRules,
		DDoS:     c.DDoS,
		Network:  c.Network,
		Server:   c.Server,
		API:      c.API,
		MQTT:     c.MQTT,
		Database: c.Database,
		Health:   c.Health,
		Logging:  c.Logging,
	}
	if out.API.Token != "" {
		out.API.Token = redactedSecret
	}
	return out
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ACL builds the inbound access list from the ip_rules section.
func (c *Config) ACL() (*access.ACL, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return access.ParseACL(c.IPRules.Order, c.IPRules.AllowList, c.IPRules.DenyList)
}

// NetConfig builds the inter-server address lists.
func (c *Config) NetConfig() (*access.NetConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return access.ParseNetConfig(c.Network.LANSubnets, c.Network.Trusted, c.Network.Allowed)
}

// DDoSConfig returns the connection-rate limits.
func (c *Config) DDoSConfig() access.DDoSConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DDoS
}

// SocketOptions translates the configuration into reactor options.
func (c *Config) SocketOptions() (socket.Options, error) {
	acl, err := c.ACL()
	if err != nil {
		return socket.Options{}, fmt.Errorf("ip_rules: %w", err)
	}
	netconf, err := c.NetConfig()
	if err != nil {
		return socket.Options{}, fmt.Errorf("network: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return socket.Options{
		StallTime:       c.Socket.StallTime,
		Poller:          c.Socket.Poller,
		EpollMaxEvents:  c.Socket.EpollMaxEvents,
		MaxClientPacket: c.Socket.MaxClientPacket,
		MaxConnections:  c.Socket.MaxConnections,
		SendShortlist:   c.Socket.Shortlist,
		AccessDebug:     c.Socket.Debug,
		ShowStats:       c.Socket.ShowStats,
		IPRules:         c.IPRules.Enable,
		ACL:             acl,
		DDoS:            c.DDoS,
		Network:         netconf,
	}, nil
}

// BindAddr returns the listen address as a host-order IPv4 value. An empty
// or invalid bind_ip binds every interface.
func (c *Config) BindAddr() (uint32, uint16) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return access.Str2IP(c.Server.BindIP), uint16(c.Server.Port)
}
