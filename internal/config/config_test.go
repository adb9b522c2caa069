package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"
  cors_origins:
    - "https://term.example.com"
terminal:
  shell: /bin/zsh
  default_cols: 120
  default_rows: 40
  kill_timeout: 5s
history:
  database: /var/lib/smart-terminal/history.db
privacy:
  mask_pids: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, []string{"https://term.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/bin/zsh", cfg.Terminal.Shell)
	assert.Equal(t, 120, cfg.Terminal.DefaultCols)
	assert.Equal(t, 40, cfg.Terminal.DefaultRows)
	assert.Equal(t, 5*time.Second, cfg.Terminal.KillTimeout)
	assert.Equal(t, "/var/lib/smart-terminal/history.db", cfg.History.Database)
	assert.True(t, cfg.Privacy.MaskPIDs)

	// Unspecified fields keep their defaults.
	assert.Equal(t, 4096, cfg.Terminal.ChunkSize)
	assert.Equal(t, 2*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 90, cfg.History.MaxHistoryDays)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 80, cfg.Terminal.DefaultCols)
	assert.Equal(t, 24, cfg.Terminal.DefaultRows)
	assert.Equal(t, 500, cfg.Terminal.MaxCols)
	assert.Equal(t, 200, cfg.Terminal.MaxRows)
	assert.Equal(t, 2*time.Second, cfg.Terminal.KillTimeout)
	assert.Equal(t, 5*time.Second, cfg.Terminal.ReapInterval)
	assert.Equal(t, 65536, cfg.Terminal.MaxInputSize)
	assert.Equal(t, 1<<20, cfg.Terminal.MaxPending)
	assert.Equal(t, "terminal_history.db", cfg.History.Database)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, ":::not valid yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SMART_TERMINAL_SERVER_PORT", "9443")
	t.Setenv("SMART_TERMINAL_SERVER_CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("SMART_TERMINAL_TERMINAL_KILL_TIMEOUT", "750ms")
	t.Setenv("SMART_TERMINAL_HISTORY_MAX_HISTORY_DAYS", "7")

	path := writeConfig(t, "server:\n  port: 9090\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9443, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 750*time.Millisecond, cfg.Terminal.KillTimeout)
	assert.Equal(t, 7, cfg.History.MaxHistoryDays)
}

func TestEnvironmentOverrideInvalid(t *testing.T) {
	t.Setenv("SMART_TERMINAL_SERVER_PORT", "not-a-number")
	_, err := Default()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"default cols above max", func(c *Config) { c.Terminal.DefaultCols = 600 }, "terminal.default_cols"},
		{"default rows zero", func(c *Config) { c.Terminal.DefaultRows = 0 }, "terminal.default_rows"},
		{"chunk size", func(c *Config) { c.Terminal.ChunkSize = 0 }, "terminal.chunk_size"},
		{"pending input below frame size", func(c *Config) { c.Terminal.MaxPending = 1024 }, "terminal.max_pending_input"},
		{"kill timeout", func(c *Config) { c.Terminal.KillTimeout = 0 }, "terminal.kill_timeout"},
		{"reap interval", func(c *Config) { c.Terminal.ReapInterval = 10 * time.Millisecond }, "terminal.reap_interval"},
		{"monitor interval", func(c *Config) { c.Monitor.Interval = time.Millisecond }, "monitor.interval"},
		{"history days", func(c *Config) { c.History.MaxHistoryDays = 0 }, "history.max_history_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, defaultConfig().Validate())
}

func TestSessionOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Terminal.WorkDir = "/tmp"

	opts := cfg.Terminal.SessionOptions()
	assert.Equal(t, "/bin/sh", opts.Shell)
	assert.Equal(t, "/tmp", opts.WorkDir)
	assert.Equal(t, 500, opts.MaxCols)
	assert.Equal(t, 200, opts.MaxRows)
	assert.Equal(t, 2*time.Second, opts.KillTimeout)
	assert.Equal(t, 50, opts.RecentLimit)
}

func TestNewPrivacyFilter(t *testing.T) {
	pf := PrivacyConfig{MaskPIDs: true}.NewPrivacyFilter()
	assert.True(t, pf.MaskPIDs)
	assert.False(t, pf.MaskShellPaths)

	assert.True(t, PrivacyConfig{}.NewPrivacyFilter().IsNoop())
}
