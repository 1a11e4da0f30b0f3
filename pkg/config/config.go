// Package config loads service configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingSecret = errors.New("auth.jwt_secret is required")
	ErrInvalidValue  = errors.New("invalid configuration value")
)

// Config is the root configuration
type Config struct {
	Environment string          `yaml:"environment"`
	LogLevel    string          `yaml:"log_level"`
	HTTP        HTTPConfig      `yaml:"http"`
	Auth        AuthConfig      `yaml:"auth"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	WebSocket   WebSocketConfig `yaml:"websocket"`
	Ingress     IngressConfig   `yaml:"ingress"`
	Presence    PresenceConfig  `yaml:"presence"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig points at the accounts database. Leaving Host empty
// disables the account lookup.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	UsersTable      string        `yaml:"users_table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Enabled reports whether a database is configured
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// DSN builds a postgres:// URL for lib/pq with escaped credentials
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// RedisConfig configures the producer fan-in channel. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type WebSocketConfig struct {
	Path            string        `yaml:"path"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type IngressConfig struct {
	// Token guards the internal dispatch endpoints when set
	Token string `yaml:"token"`
}

type PresenceConfig struct {
	CloseSuperseded bool `yaml:"close_superseded"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			UsersTable:      "users",
			MaxOpenConns:    25,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Channel: "presence:dispatch",
		},
		WebSocket: WebSocketConfig{
			Path:            "/api/socket",
			SendBuffer:      64,
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			PingInterval:    45 * time.Second,
			MaxMessageBytes: 4096,
		},
		Presence: PresenceConfig{
			CloseSuperseded: true,
		},
	}
}

// Load reads path (if non-empty), applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
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

func (c *Config) applyEnv() error {
	setString(&c.Environment, "APP_ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.HTTP.Addr, "PRESENCE_HTTP_ADDR")
	setString(&c.Auth.JWTSecret, "JWT_SECRET")

	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSL_MODE")
	if err := setInt(&c.Database.Port, "DB_PORT"); err != nil {
		return err
	}

	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.Redis.Channel, "REDIS_CHANNEL")
	if err := setInt(&c.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}

	setString(&c.Ingress.Token, "INGRESS_TOKEN")

	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		c.WebSocket.AllowedOrigins = strings.Split(v, ",")
	}
	return nil
}

// Validate checks required values and timing relationships
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingSecret
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("%w: http.addr is empty", ErrInvalidValue)
	}
	ws := c.WebSocket
	if !strings.HasPrefix(ws.Path, "/") {
		return fmt.Errorf("%w: websocket.path must start with '/'", ErrInvalidValue)
	}
	if ws.SendBuffer <= 0 || ws.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: websocket.send_buffer and websocket.max_message_bytes must be positive", ErrInvalidValue)
	}
	if ws.WriteTimeout <= 0 || ws.PongTimeout <= 0 || ws.PingInterval <= 0 {
		return fmt.Errorf("%w: websocket timeouts must be positive", ErrInvalidValue)
	}
	if ws.PingInterval >= ws.PongTimeout {
		return fmt.Errorf("%w: websocket.ping_interval must be shorter than websocket.pong_timeout", ErrInvalidValue)
	}
	if c.Redis.Enabled() && c.Redis.Channel == "" {
		return fmt.Errorf("%w: redis.channel is empty", ErrInvalidValue)
	}
	if c.Database.Enabled() && c.Database.UsersTable == "" {
		return fmt.Errorf("%w: database.users_table is empty", ErrInvalidValue)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
