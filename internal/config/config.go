// Package config loads gateway settings: defaults, then an optional
// YAML file, then environment overrides on top. Unknown YAML keys are
// rejected rather than ignored; a typo in a config file should fail the
// boot, not silently run on defaults.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/luminarimud/i3-gateway/internal/auth"
	"github.com/luminarimud/i3-gateway/internal/ratelimit"
)

// Config is the root of the gateway configuration. Zero values defer to
// the component constructors' defaults; only identity and addressing
// have to be stated.
type Config struct {
	Mud       MudConfig       `yaml:"mud"`
	Router    RouterConfig    `yaml:"router"`
	API       APIConfig       `yaml:"api"`
	Services  ServicesConfig  `yaml:"services"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Events    EventsConfig    `yaml:"events"`
	History   HistoryConfig   `yaml:"history"`
	Redis     RedisConfig     `yaml:"redis"`
	Persist   PersistConfig   `yaml:"persist"`
}

// MudConfig is the identity registered with the router and advertised
// in the global mudlist.
type MudConfig struct {
	Name       string `yaml:"name"`
	Port       int    `yaml:"port"` // player login port
	TCPPort    int    `yaml:"tcp_port"`
	UDPPort    int    `yaml:"udp_port"`
	AdminEmail string `yaml:"admin_email"`
	Mudlib     string `yaml:"mudlib"`
	BaseMudlib string `yaml:"base_mudlib"`
	Driver     string `yaml:"driver"`
	MudType    string `yaml:"mud_type"`
	OpenStatus string `yaml:"open_status"`
}

// RouterHost is one upstream router endpoint, primary first.
type RouterHost struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"` // host:port
}

// RouterConfig tunes the upstream link. Durations are integers with the
// unit in the field name.
type RouterConfig struct {
	Hosts                   []RouterHost `yaml:"hosts"`
	ConnectTimeoutSeconds   int          `yaml:"connect_timeout_seconds"`
	HandshakeTimeoutSeconds int          `yaml:"handshake_timeout_seconds"`
	HeartbeatSeconds        int          `yaml:"heartbeat_seconds"`
	ReadIdleSeconds         int          `yaml:"read_idle_seconds"`
	WriteTimeoutSeconds     int          `yaml:"write_timeout_seconds"`
	DrainTimeoutSeconds     int          `yaml:"drain_timeout_seconds"`
	MaxAttempts             int          `yaml:"max_attempts"`
	FailoverThreshold       int          `yaml:"failover_threshold"`
	BackoffBaseMs           int          `yaml:"backoff_base_ms"`
	BackoffCapSeconds       int          `yaml:"backoff_cap_seconds"`
	QueueSize               int          `yaml:"queue_size"`
	MaxFrameBytes           int          `yaml:"max_frame_bytes"`
}

// APIConfig addresses the downstream listeners.
type APIConfig struct {
	WSAddr              string `yaml:"ws_addr"`
	TCPAddr             string `yaml:"tcp_addr"`
	HealthAddr          string `yaml:"health_addr"`
	PingIntervalSeconds int    `yaml:"ping_interval_seconds"`
	PingTimeoutSeconds  int    `yaml:"ping_timeout_seconds"`
}

// ServicesConfig tunes the I3 request/reply layer.
type ServicesConfig struct {
	ReplyTimeoutSeconds int `yaml:"reply_timeout_seconds"`
	LocateWindowSeconds int `yaml:"locate_window_seconds"`
}

// AuthConfig lists the accepted API keys. Hashes only; see auth.
type AuthConfig struct {
	Keys []auth.KeyRecord `yaml:"keys"`
}

// RateLimitConfig overrides the stock budgets per class name.
type RateLimitConfig struct {
	Classes []ratelimit.Class `yaml:"classes"`
}

// SessionsConfig tunes session lifetime and per-session event queues.
type SessionsConfig struct {
	TTLMinutes     int `yaml:"ttl_minutes"`
	CleanupSeconds int `yaml:"cleanup_seconds"`
	QueueCapacity  int `yaml:"queue_capacity"`
}

// EventsConfig tunes the fan-out bus.
type EventsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// HistoryConfig tunes channel history. DSN empty keeps history
// memory-only.
type HistoryConfig struct {
	RingSize int    `yaml:"ring_size"`
	DSN      string `yaml:"dsn"`
}

// RedisConfig enables the persistent session index when Addr is set.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

// PersistConfig locates the on-disk state file (router password and
// list ids).
type PersistConfig struct {
	File string `yaml:"file"`
}

// Default returns the configuration used before any file or environment
// is applied. The router list is the public I3 network; the mud name
// still has to come from the operator.
func Default() *Config {
	return &Config{
		Mud: MudConfig{
			Port:       4000,
			Mudlib:     "Custom",
			BaseMudlib: "Custom",
			Driver:     "Custom",
			MudType:    "MUD",
			OpenStatus: "open for public",
		},
		Router: RouterConfig{
			Hosts: []RouterHost{
				{Name: "*i4", Address: "204.209.44.3:8080"},
				{Name: "*dalet", Address: "97.107.133.86:8787"},
			},
		},
		API: APIConfig{
			WSAddr:     ":8080",
			TCPAddr:    ":8081",
			HealthAddr: ":8082",
		},
		Persist: PersistConfig{File: "data/state.json"},
	}
}

// Load builds the effective configuration. An empty path skips the file
// layer and runs on defaults plus environment; a named file must exist
// and parse strictly.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.Mud.Name == "" {
		return errors.New("config: mud.name is required (or set MUD_NAME)")
	}
	if len(c.Router.Hosts) == 0 {
		return errors.New("config: router.hosts must list at least one router")
	}
	for i, h := range c.Router.Hosts {
		if h.Address == "" {
			return fmt.Errorf("config: router.hosts[%d]: address is required", i)
		}
	}
	if len(c.Auth.Keys) == 0 {
		return errors.New("config: auth.keys must list at least one API key (or set I3_API_KEYS)")
	}
	return nil
}
