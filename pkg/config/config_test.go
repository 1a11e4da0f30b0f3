package config

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "presence.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load("")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("DB_PORT", "6543")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "/api/socket", cfg.WebSocket.Path)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.False(t, cfg.Database.Enabled())
	assert.True(t, cfg.Redis.Enabled())
	assert.Equal(t, "presence:dispatch", cfg.Redis.Channel)
	assert.True(t, cfg.Presence.CloseSuperseded)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	path := writeConfig(t, `
environment: production
log_level: debug
http:
  addr: ":9000"
auth:
  jwt_secret: from-file
database:
  host: db.internal
  name: safety
  users_table: "User"
websocket:
  ping_interval: 20s
  pong_timeout: 30s
  allowed_origins: ["app.example.com"]
presence:
  close_superseded: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Database.Enabled())
	assert.Equal(t, "User", cfg.Database.UsersTable)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 20*time.Second, cfg.WebSocket.PingInterval)
	assert.Equal(t, []string{"app.example.com"}, cfg.WebSocket.AllowedOrigins)
	assert.False(t, cfg.Presence.CloseSuperseded)
	assert.Equal(t, "postgres://db.internal:5432/safety?sslmode=disable", cfg.Database.DSN())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("PRESENCE_HTTP_ADDR", ":7000")
	path := writeConfig(t, "auth:\n  jwt_secret: from-file\nhttp:\n  addr: \":9000\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
}

func TestLoadErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "x")

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "http: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("bad int env", func(t *testing.T) {
		t.Setenv("REDIS_DB", "zero")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"relative path", func(c *Config) { c.WebSocket.Path = "socket" }},
		{"zero buffer", func(c *Config) { c.WebSocket.SendBuffer = 0 }},
		{"ping after pong", func(c *Config) { c.WebSocket.PingInterval = 2 * c.WebSocket.PongTimeout }},
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"redis without channel", func(c *Config) { c.Redis.Addr = "x:1"; c.Redis.Channel = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "x"
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidValue)
		})
	}
}

func TestDSNEscapesCredentials(t *testing.T) {
	testCases := []struct {
		name     string
		user     string
		password string
	}{
		{"plain", "presence", "secret"},
		{"space and quotes", "presence", `p@ss word'"`},
		{"url delimiters", "svc:reader", "a/b?c#d&e=f%"},
		{"empty password", "presence", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := Default().Database
			d.Host = "db.internal"
			d.Name = "safety"
			d.User = tc.user
			d.Password = tc.password

			u, err := url.Parse(d.DSN())
			require.NoError(t, err)
			assert.Equal(t, "postgres", u.Scheme)
			assert.Equal(t, "db.internal:5432", u.Host)
			assert.Equal(t, "/safety", u.Path)
			assert.Equal(t, "disable", u.Query().Get("sslmode"))
			assert.Equal(t, tc.user, u.User.Username())
			password, _ := u.User.Password()
			assert.Equal(t, tc.password, password)
		})
	}
}
