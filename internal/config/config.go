// Package config provides environment-aware configuration for a HeTu node.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	hetruntime "github.com/hetu-io/hetu/internal/runtime"
)

// ServerConfig controls the endpoint executor's HTTP/WS surface.
type ServerConfig struct {
	Host          string        `json:"host" env:"SERVER_HOST"`
	Port          int           `json:"port" env:"SERVER_PORT"`
	Namespace     string        `json:"namespace" env:"HETU_NAMESPACE"`
	Instance      string        `json:"instance" env:"HETU_INSTANCE"`
	Head          bool          `json:"head" env:"HETU_HEAD"`
	Workers       int           `json:"workers" env:"HETU_WORKERS"`
	Debug         bool          `json:"debug" env:"HETU_DEBUG"`
	CertFile      string        `json:"cert" env:"HETU_CERT"`
	IdleTimeout   time.Duration `json:"idle_timeout" env:"HETU_IDLE_TIMEOUT"`
	MaxFrameBytes int           `json:"max_frame_bytes" env:"HETU_MAX_FRAME_BYTES"`
}

// BackendConfig controls which storage engine backs a table reference and
// how to reach it.
type BackendConfig struct {
	Driver   string `json:"driver" env:"HETU_BACKEND_DRIVER"` // "redis" or "postgres"
	RedisDSN string `json:"redis_dsn" env:"HETU_REDIS_DSN"`
	PGDSN    string `json:"pg_dsn" env:"HETU_PG_DSN"`

	MaxOpenConns    int           `json:"max_open_conns" env:"HETU_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"HETU_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"HETU_DB_CONN_MAX_LIFETIME"`

	WorkerLeaseTTL       time.Duration `json:"worker_lease_ttl" env:"HETU_WORKER_LEASE_TTL"`
	WorkerLeaseRenew     time.Duration `json:"worker_lease_renew" env:"HETU_WORKER_LEASE_RENEW"`
	WorkerClockTolerance time.Duration `json:"worker_clock_tolerance" env:"HETU_WORKER_CLOCK_TOLERANCE"`
}

// LoggingConfig controls the logger package.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls the message pipeline's crypto layer.
type SecurityConfig struct {
	AuthKey          string `json:"auth_key" env:"HETU_AUTH_KEY"`
	RequireHelloHMAC bool   `json:"require_hello_hmac" env:"HETU_REQUIRE_HELLO_HMAC"`
}

// AuthConfig controls the endpoint executor's JWT-based elevate() flow.
type AuthConfig struct {
	JWTSecret       string        `json:"jwt_secret" env:"HETU_JWT_SECRET"`
	IdleTimeout     time.Duration `json:"idle_timeout" env:"HETU_ELEVATE_IDLE_TIMEOUT"`
	AdminGroupPrefix string       `json:"admin_group_prefix" env:"HETU_ADMIN_GROUP_PREFIX"`
}

// RateLimitConfig controls the flood checker envelopes.
type RateLimitConfig struct {
	ClientRequestsPerSecond float64 `json:"client_requests_per_second" env:"HETU_CLIENT_RPS"`
	ClientBurst             int     `json:"client_burst" env:"HETU_CLIENT_BURST"`
	ServerRequestsPerSecond float64 `json:"server_requests_per_second" env:"HETU_SERVER_RPS"`
	ServerBurst             int     `json:"server_burst" env:"HETU_SERVER_BURST"`
}

// Config is the top-level node configuration.
type Config struct {
	Env       hetruntime.Environment
	Server    ServerConfig    `json:"server"`
	Backend   BackendConfig   `json:"backend"`
	Logging   LoggingConfig   `json:"logging"`
	Security  SecurityConfig  `json:"security"`
	Auth      AuthConfig      `json:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Env: hetruntime.Development,
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          2468,
			Workers:       1,
			IdleTimeout:   120 * time.Second,
			MaxFrameBytes: 10240,
		},
		Backend: BackendConfig{
			Driver:           "redis",
			RedisDSN:         "redis://127.0.0.1:6379/0",
			MaxOpenConns:     20,
			MaxIdleConns:     5,
			ConnMaxLifetime:  5 * time.Minute,
			WorkerLeaseTTL:   60 * time.Second,
			WorkerLeaseRenew: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Auth: AuthConfig{
			IdleTimeout:      120 * time.Second,
			AdminGroupPrefix: "admin",
		},
		RateLimit: RateLimitConfig{
			ClientRequestsPerSecond: 20,
			ClientBurst:             40,
			ServerRequestsPerSecond: 200,
			ServerBurst:             400,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, then
// environment variables (later sources win), mirroring the precedence the
// teacher's config loader uses.
func Load(yamlPath string) (*Config, error) {
	cfg := New()
	cfg.Env = hetruntime.Env()

	envFile := filepath.Join("config", fmt.Sprintf("%s.env", cfg.Env))
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envFile, err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants the CLI `start` subcommand requires
// before a node can come up.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Namespace) == "" {
		return fmt.Errorf("config: namespace is required")
	}
	if strings.TrimSpace(c.Server.Instance) == "" {
		return fmt.Errorf("config: instance is required")
	}
	switch c.Backend.Driver {
	case "redis":
		if c.Backend.RedisDSN == "" {
			return fmt.Errorf("config: redis_dsn is required for the redis backend")
		}
	case "postgres":
		if c.Backend.PGDSN == "" {
			return fmt.Errorf("config: pg_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown backend driver %q", c.Backend.Driver)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == hetruntime.Development }
func (c *Config) IsTesting() bool     { return c.Env == hetruntime.Testing }
func (c *Config) IsProduction() bool  { return c.Env == hetruntime.Production }
