package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for intakesync.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sync       SyncConfig       `yaml:"sync"`
	Security   SecurityConfig   `yaml:"security"`
	Staff      StaffConfig      `yaml:"staff"`
	Logging    LoggingConfig    `yaml:"logging"`
	Health     HealthConfig     `yaml:"health"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the client-facing listener and transport settings.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listen_address"`
	SocketPath        string        `yaml:"socket_path"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	PollIdleTimeout   time.Duration `yaml:"poll_idle_timeout"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SyncConfig controls session synchronization behavior.
type SyncConfig struct {
	SnapshotOnConnect bool          `yaml:"snapshot_on_connect"`
	EnforceSequence   bool          `yaml:"enforce_sequence"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
}

// SecurityConfig contains admission settings.
type SecurityConfig struct {
	AllowedNetworks     []string        `yaml:"allowed_networks"`
	AuthToken           string          `yaml:"auth_token"`
	AdminToken          string          `yaml:"admin_token"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// StaffConfig is the static staff allow-list.
type StaffConfig struct {
	Users []StaffUser `yaml:"users"`
}

// StaffUser is one allowed staff login. PasswordHash is a bcrypt hash.
type StaffUser struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	File           string `yaml:"file"`
	MaxSizeMB      int    `yaml:"max_size_mb"`
	MaxBackups     int    `yaml:"max_backups"`
	MaxAgeDays     int    `yaml:"max_age_days"`
	Compress       bool   `yaml:"compress"`
	RingBufferSize int    `yaml:"ring_buffer_size"`
}

// HealthConfig contains health check and admin listener settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   "0.0.0.0:3000",
			SocketPath:      "/api/socket",
			DrainTimeout:    15 * time.Second,
			MaxMessageSize:  65536, // 64KB, a full intake form is well under 8KB
			PingInterval:    25 * time.Second,
			PongTimeout:     20 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendBuffer:      256,
			PollTimeout:     25 * time.Second,
			PollIdleTimeout: 60 * time.Second,
		},
		Sync: SyncConfig{
			SnapshotOnConnect: true,
			EnforceSequence:   true,
			InactivityTimeout: 30 * time.Second,
		},
		Security: SecurityConfig{
			MaxConnections:      500,
			MaxConnectionsPerIP: 20,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 120,
				MessagesPerSecond:    50,
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			MaxSizeMB:      100,
			MaxBackups:     3,
			MaxAgeDays:     28,
			Compress:       true,
			RingBufferSize: 1000,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:3001",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'intakesync setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if !strings.HasPrefix(c.Server.SocketPath, "/") {
		return fmt.Errorf("server.socket_path must start with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 16777216 {
		return fmt.Errorf("server.max_message_size must not exceed 16777216 (16MB)")
	}
	if c.Server.SendBuffer <= 0 || c.Server.SendBuffer > 65536 {
		return fmt.Errorf("server.send_buffer must be between 1 and 65536")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"server.drain_timeout", c.Server.DrainTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"server.poll_timeout", c.Server.PollTimeout},
		{"server.poll_idle_timeout", c.Server.PollIdleTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
		if d.d > 5*time.Minute {
			return fmt.Errorf("%s must not exceed 5m", d.name)
		}
	}
	if c.Server.PingInterval < 0 {
		return fmt.Errorf("server.ping_interval must not be negative (0 disables pings)")
	}
	if c.Server.PingInterval > 0 && c.Server.PongTimeout <= 0 {
		return fmt.Errorf("server.pong_timeout must be positive when pings are enabled")
	}
	if c.Server.PollIdleTimeout <= c.Server.PollTimeout {
		return fmt.Errorf("server.poll_idle_timeout must exceed server.poll_timeout")
	}

	// TLS validation
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	// Sync validation
	if c.Sync.InactivityTimeout <= 0 {
		return fmt.Errorf("sync.inactivity_timeout must be positive")
	}

	// Security validation
	for _, n := range c.Security.AllowedNetworks {
		if _, _, err := net.ParseCIDR(n); err != nil {
			return fmt.Errorf("security.allowed_networks entry %q is not a CIDR: %w", n, err)
		}
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
		if c.Security.RateLimit.MessagesPerSecond < 0 {
			return fmt.Errorf("security.rate_limit.messages_per_second must not be negative")
		}
	}

	// Staff validation
	seen := make(map[string]bool, len(c.Staff.Users))
	for i, u := range c.Staff.Users {
		email := strings.ToLower(strings.TrimSpace(u.Email))
		if email == "" {
			return fmt.Errorf("staff.users[%d].email is required", i)
		}
		if seen[email] {
			return fmt.Errorf("staff.users[%d].email %q is listed twice", i, u.Email)
		}
		seen[email] = true
		if !strings.HasPrefix(u.PasswordHash, "$2") {
			return fmt.Errorf("staff.users[%d].password_hash must be a bcrypt hash (use 'intakesync hash-password')", i)
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RingBufferSize < 0 {
		return fmt.Errorf("logging.ring_buffer_size must not be negative")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing session data")
		}
		if c.Server.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("server.listen_address and health.listen_address must be different")
		}
	}

	if c.Monitoring.MetricsEnabled && !strings.HasPrefix(c.Monitoring.MetricsEndpoint, "/") {
		return fmt.Errorf("monitoring.metrics_endpoint must start with /")
	}

	return nil
}

// applyEnvOverrides applies INTAKESYNC_ prefixed environment variables.
// Convention: INTAKESYNC_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"INTAKESYNC_SERVER_LISTEN_ADDRESS":     func(v string) { cfg.Server.ListenAddress = v },
		"INTAKESYNC_SERVER_SOCKET_PATH":        func(v string) { cfg.Server.SocketPath = v },
		"INTAKESYNC_SERVER_ALLOWED_ORIGINS":    func(v string) { cfg.Server.AllowedOrigins = parseList(v) },
		"INTAKESYNC_SERVER_TRUST_PROXY_HEADERS": func(v string) {
			cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders)
		},
		"INTAKESYNC_SERVER_DRAIN_TIMEOUT":     func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"INTAKESYNC_SERVER_MAX_MESSAGE_SIZE":  func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"INTAKESYNC_SERVER_PING_INTERVAL":     func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"INTAKESYNC_SERVER_WRITE_TIMEOUT":     func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"INTAKESYNC_SERVER_POLL_TIMEOUT":      func(v string) { cfg.Server.PollTimeout = parseDuration(v, cfg.Server.PollTimeout) },
		"INTAKESYNC_SERVER_POLL_IDLE_TIMEOUT": func(v string) { cfg.Server.PollIdleTimeout = parseDuration(v, cfg.Server.PollIdleTimeout) },
		"INTAKESYNC_SYNC_SNAPSHOT_ON_CONNECT": func(v string) {
			cfg.Sync.SnapshotOnConnect = parseBool(v, cfg.Sync.SnapshotOnConnect)
		},
		"INTAKESYNC_SYNC_ENFORCE_SEQUENCE":    func(v string) { cfg.Sync.EnforceSequence = parseBool(v, cfg.Sync.EnforceSequence) },
		"INTAKESYNC_SYNC_INACTIVITY_TIMEOUT":  func(v string) { cfg.Sync.InactivityTimeout = parseDuration(v, cfg.Sync.InactivityTimeout) },
		"INTAKESYNC_SECURITY_ALLOWED_NETWORKS": func(v string) { cfg.Security.AllowedNetworks = parseList(v) },
		"INTAKESYNC_SECURITY_AUTH_TOKEN":       func(v string) { cfg.Security.AuthToken = v },
		"INTAKESYNC_SECURITY_ADMIN_TOKEN":      func(v string) { cfg.Security.AdminToken = v },
		"INTAKESYNC_SECURITY_MAX_CONNECTIONS":  func(v string) { cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections) },
		"INTAKESYNC_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"INTAKESYNC_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"INTAKESYNC_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"INTAKESYNC_SECURITY_RATE_LIMIT_MESSAGES_PER_SECOND": func(v string) {
			cfg.Security.RateLimit.MessagesPerSecond = parseInt(v, cfg.Security.RateLimit.MessagesPerSecond)
		},
		"INTAKESYNC_LOGGING_LEVEL":          func(v string) { cfg.Logging.Level = v },
		"INTAKESYNC_LOGGING_FORMAT":         func(v string) { cfg.Logging.Format = v },
		"INTAKESYNC_LOGGING_FILE":           func(v string) { cfg.Logging.File = v },
		"INTAKESYNC_HEALTH_ENABLED":         func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"INTAKESYNC_HEALTH_LISTEN_ADDRESS":  func(v string) { cfg.Health.ListenAddress = v },
		"INTAKESYNC_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, socket_path, tls, sync.*
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.AuthToken = newCfg.Security.AuthToken
	updated.Security.AdminToken = newCfg.Security.AdminToken
	updated.Security.AllowedNetworks = append([]string(nil), newCfg.Security.AllowedNetworks...)
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Staff.Users = append([]StaffUser(nil), newCfg.Staff.Users...)
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Server.AllowedOrigins = append([]string(nil), newCfg.Server.AllowedOrigins...)
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Server.SocketPath != new.Server.SocketPath {
		warnings = append(warnings, "server.socket_path requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Sync != new.Sync {
		warnings = append(warnings, "sync settings require restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

// parseList splits a comma-separated env value, dropping blanks.
func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
