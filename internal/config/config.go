package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/smart-terminal/backend/internal/session"
)

// EnvPrefix prefixes every environment override. Keys follow the struct
// path, e.g. SMART_TERMINAL_SERVER_PORT or SMART_TERMINAL_TERMINAL_KILL_TIMEOUT.
const EnvPrefix = "SMART_TERMINAL"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Terminal TerminalConfig `yaml:"terminal"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	History  HistoryConfig  `yaml:"history"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	AppName     string   `yaml:"app_name" split_words:"true"`
	Debug       bool     `yaml:"debug"`
	CORSOrigins []string `yaml:"cors_origins" split_words:"true"`
}

type TerminalConfig struct {
	Shell        string        `yaml:"shell"`
	WorkDir      string        `yaml:"work_dir" split_words:"true"`
	DefaultCols  int           `yaml:"default_cols" split_words:"true"`
	DefaultRows  int           `yaml:"default_rows" split_words:"true"`
	MaxCols      int           `yaml:"max_cols" split_words:"true"`
	MaxRows      int           `yaml:"max_rows" split_words:"true"`
	ChunkSize    int           `yaml:"chunk_size" split_words:"true"`
	MaxInputSize int           `yaml:"max_input_size" split_words:"true"`
	MaxPending   int           `yaml:"max_pending_input" envconfig:"MAX_PENDING_INPUT"`
	KillTimeout  time.Duration `yaml:"kill_timeout" split_words:"true"`
	DrainTimeout time.Duration `yaml:"drain_timeout" split_words:"true"`
	ReapInterval time.Duration `yaml:"reap_interval" split_words:"true"`
	RecentLimit  int           `yaml:"recent_limit" split_words:"true"`
}

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" split_words:"true"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle" split_words:"true"`
}

type HistoryConfig struct {
	Database       string `yaml:"database"`
	MaxHistoryDays int    `yaml:"max_history_days" split_words:"true"`
	ExportDir      string `yaml:"export_dir" split_words:"true"`
	PruneSchedule  string `yaml:"prune_schedule" split_words:"true"`
}

// PrivacyConfig controls what session listings reveal about the host.
type PrivacyConfig struct {
	MaskPIDs       bool `yaml:"mask_pids" split_words:"true"`
	MaskShellPaths bool `yaml:"mask_shell_paths" split_words:"true"`
}

// NewPrivacyFilter builds the listing filter for this configuration.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskPIDs:       p.MaskPIDs,
		MaskShellPaths: p.MaskShellPaths,
	}
}

// SessionOptions maps the terminal section onto registry options.
func (t TerminalConfig) SessionOptions() session.Options {
	return session.Options{
		Shell:       t.Shell,
		WorkDir:     t.WorkDir,
		MaxCols:     t.MaxCols,
		MaxRows:     t.MaxRows,
		KillTimeout: t.KillTimeout,
		RecentLimit: t.RecentLimit,
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			AppName:     "Smart Terminal",
			CORSOrigins: []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Terminal: TerminalConfig{
			DefaultCols:  session.DefaultCols,
			DefaultRows:  session.DefaultRows,
			MaxCols:      session.MaxCols,
			MaxRows:      session.MaxRows,
			ChunkSize:    4096,
			MaxInputSize: 64 * 1024,
			MaxPending:   1 << 20,
			KillTimeout:  2 * time.Second,
			DrainTimeout: time.Second,
			ReapInterval: 5 * time.Second,
			RecentLimit:  50,
		},
		Monitor: MonitorConfig{
			Interval:          2 * time.Second,
			SnapshotInterval:  5 * time.Second,
			BroadcastThrottle: 100 * time.Millisecond,
		},
		History: HistoryConfig{
			Database:       "terminal_history.db",
			MaxHistoryDays: 90,
			ExportDir:      ".",
			PruneSchedule:  "@daily",
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML file over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func finish(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return cfg.Validate()
}

// ValidationError names the first setting that is out of range.
type ValidationError struct {
	Field   string
	Problem string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Problem)
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	t := c.Terminal
	switch {
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return &ValidationError{"server.port", fmt.Sprintf("%d is not a TCP port", c.Server.Port)}
	case t.MaxCols < 1 || t.MaxCols > 65535:
		return &ValidationError{"terminal.max_cols", "must be between 1 and 65535"}
	case t.MaxRows < 1 || t.MaxRows > 65535:
		return &ValidationError{"terminal.max_rows", "must be between 1 and 65535"}
	case t.DefaultCols < 1 || t.DefaultCols > t.MaxCols:
		return &ValidationError{"terminal.default_cols", fmt.Sprintf("must be between 1 and max_cols (%d)", t.MaxCols)}
	case t.DefaultRows < 1 || t.DefaultRows > t.MaxRows:
		return &ValidationError{"terminal.default_rows", fmt.Sprintf("must be between 1 and max_rows (%d)", t.MaxRows)}
	case t.ChunkSize < 1:
		return &ValidationError{"terminal.chunk_size", "must be positive"}
	case t.MaxInputSize < 1:
		return &ValidationError{"terminal.max_input_size", "must be positive"}
	case t.MaxPending < t.MaxInputSize:
		return &ValidationError{"terminal.max_pending_input", "must be at least max_input_size"}
	case t.KillTimeout <= 0:
		return &ValidationError{"terminal.kill_timeout", "must be positive"}
	case t.DrainTimeout <= 0:
		return &ValidationError{"terminal.drain_timeout", "must be positive"}
	case t.ReapInterval < time.Second:
		return &ValidationError{"terminal.reap_interval", "must be at least 1s"}
	case c.Monitor.Interval < 100*time.Millisecond:
		return &ValidationError{"monitor.interval", "must be at least 100ms"}
	case c.Monitor.SnapshotInterval <= 0:
		return &ValidationError{"monitor.snapshot_interval", "must be positive"}
	case c.Monitor.BroadcastThrottle <= 0:
		return &ValidationError{"monitor.broadcast_throttle", "must be positive"}
	case c.History.MaxHistoryDays < 1:
		return &ValidationError{"history.max_history_days", "must be at least 1"}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
