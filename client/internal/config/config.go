// Package config handles permbridge configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "permbridge.json"

// DefaultAPIAddr is where the local API listens unless configured otherwise.
const DefaultAPIAddr = "127.0.0.1:8787"

// Config is the top-level configuration.
type Config struct {
	Hub      HubConfig     `json:"hub"`
	Session  SessionConfig `json:"session"`
	Storage  StorageConfig `json:"storage"`
	API      APIConfig     `json:"api"`
	LogLevel string        `json:"log_level,omitempty"`
}

// HubConfig defines how the bridge connects to the permission peer.
type HubConfig struct {
	URL               string   `json:"url"`
	Token             string   `json:"token,omitempty"`
	TLSSkipVerify     bool     `json:"tls_skip_verify,omitempty"` // dev only
	ReconnectInterval Duration `json:"reconnect_interval,omitempty"`
	MaxReconnectDelay Duration `json:"max_reconnect_delay,omitempty"`
}

// SessionConfig identifies the session whose requests are bridged.
type SessionConfig struct {
	ID            string `json:"id"`
	QueueCapacity int    `json:"queue_capacity,omitempty"`
}

// StorageConfig selects the backend of the pending-request cache.
type StorageConfig struct {
	Driver    string   `json:"driver,omitempty"` // "memory" (default), "sqlite" or "postgres"
	DSN       string   `json:"dsn,omitempty"`
	TTL       Duration `json:"ttl,omitempty"`
	KeyPrefix string   `json:"key_prefix,omitempty"`
	MaxBytes  int64    `json:"max_bytes,omitempty"` // memory driver quota; 0 means unlimited
}

// APIConfig configures the local HTTP API. An empty Addr disables it.
type APIConfig struct {
	Addr           string          `json:"addr"`
	JWTSecret      string          `json:"jwt_secret,omitempty"`
	JWKSURL        string          `json:"jwks_url,omitempty"`
	APIKeyHashes   []string        `json:"api_key_hashes,omitempty"` // bcrypt
	AllowedOrigins []string        `json:"allowed_origins,omitempty"`
	RateLimit      RateLimitConfig `json:"rate_limit"`

	addrSet bool
}

// RateLimitConfig is the per-client token bucket for the API.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// AuthEnabled reports whether the API requires a bearer token.
func (a APIConfig) AuthEnabled() bool {
	return a.JWTSecret != "" || a.JWKSURL != "" || len(a.APIKeyHashes) > 0
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// An explicit "addr": "" disables the API; a missing key gets the default.
	var explicit struct {
		API struct {
			Addr *string `json:"addr"`
		} `json:"api"`
	}
	_ = json.Unmarshal(data, &explicit)
	cfg.API.addrSet = explicit.API.Addr != nil

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes cfg as indented JSON, readable only by the owner since it may
// carry tokens.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Hub.Token = mask(c.Hub.Token)
	c.API.JWTSecret = mask(c.API.JWTSecret)
	if c.Storage.Driver == "postgres" && c.Storage.DSN != "" {
		if u, err := url.Parse(c.Storage.DSN); err == nil && u.User != nil {
			u.User = url.User(u.User.Username())
			c.Storage.DSN = u.String()
		}
	}
	c.API.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	c.API.APIKeyHashes = append([]string(nil), c.API.APIKeyHashes...)
	return c
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateHubURL checks that raw is a ws:// or wss:// URL with a host.
func ValidateHubURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("a URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("must use ws:// or wss://, got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty host binds every interface and is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Config) validate() error {
	if err := ValidateHubURL(c.Hub.URL); err != nil {
		return fmt.Errorf("hub.url: %w", err)
	}
	if c.Session.QueueCapacity < 0 {
		return fmt.Errorf("session.queue_capacity must not be negative")
	}
	switch c.Storage.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver must be memory, sqlite, or postgres")
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes must not be negative")
	}
	if c.API.JWTSecret != "" && c.API.JWKSURL != "" {
		return fmt.Errorf("api.jwt_secret and api.jwks_url are mutually exclusive")
	}
	for i, h := range c.API.APIKeyHashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return fmt.Errorf("api.api_key_hashes[%d]: not a bcrypt hash", i)
		}
	}
	if c.API.Addr != "" && !c.API.AuthEnabled() && !IsLoopbackAddr(c.API.Addr) {
		return fmt.Errorf("api.addr %q is reachable from other hosts; set api.jwt_secret, api.jwks_url or api.api_key_hashes, or listen on loopback", c.API.Addr)
	}
	if c.API.RateLimit.RequestsPerSecond < 0 || c.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error")
	}
	return nil
}

// Defaults returns a config with every default applied and no hub URL.
func Defaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if !c.API.addrSet {
		c.API.Addr = DefaultAPIAddr
		c.API.addrSet = true
	}
	if c.Hub.ReconnectInterval.Duration == 0 {
		c.Hub.ReconnectInterval.Duration = 2 * time.Second
	}
	if c.Hub.MaxReconnectDelay.Duration == 0 {
		c.Hub.MaxReconnectDelay.Duration = 60 * time.Second
	}
	if c.Session.QueueCapacity == 0 {
		c.Session.QueueCapacity = 50
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.TTL.Duration == 0 {
		c.Storage.TTL.Duration = time.Hour
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "permbridge:pending:"
	}
	if c.API.RateLimit.RequestsPerSecond == 0 {
		c.API.RateLimit.RequestsPerSecond = 20
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 40
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
