package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session storage backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// EnvPrefix is prepended to every environment override, e.g. LEXTRACK_BASE_URL.
const EnvPrefix = "LEXTRACK"

// Config holds application configuration
type Config struct {
	BaseURL string `mapstructure:"base_url"` // Backend root, e.g. http://localhost:8080
	Token   string `mapstructure:"token"`    // Bearer token sent on poll and push requests
	Debug   bool   `mapstructure:"debug"`
	LogDir  string `mapstructure:"log_dir"`

	Tracker TrackerConfig `mapstructure:"tracker"`
	Session SessionConfig `mapstructure:"session"`
}

// TrackerConfig tunes push reconnection and the polling fallback.
type TrackerConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout"`
	ResyncOnConnect      bool          `mapstructure:"resync_on_connect"`
	DisablePush          bool          `mapstructure:"disable_push"`
}

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Backend      string        `mapstructure:"backend"`
	Expiration   time.Duration `mapstructure:"expiration"`
	SaveDebounce time.Duration `mapstructure:"save_debounce"`

	DBPath string `mapstructure:"db_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	MemoryEntries    int `mapstructure:"memory_entries"`
	MemoryQuotaBytes int `mapstructure:"memory_quota_bytes"`
}

// DefaultTrackerConfig returns the representative defaults: five reconnect
// attempts, 1s base delay capped at 30s, and a 2s poll interval.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxReconnectAttempts: 5,
		BackoffBase:          1 * time.Second,
		BackoffMax:           30 * time.Second,
		PollInterval:         2 * time.Second,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    25 * time.Second,
		HeartbeatTimeout:     60 * time.Second,
		ResyncOnConnect:      true,
	}
}

// DefaultSessionConfig returns an in-memory store with a one day expiration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Backend:          BackendMemory,
		Expiration:       24 * time.Hour,
		SaveDebounce:     300 * time.Millisecond,
		DBPath:           "lextrack.db",
		RedisAddr:        "localhost:6379",
		RedisPrefix:      "lextrack:session:",
		MemoryEntries:    256,
		MemoryQuotaBytes: 5 << 20,
	}
}

// Default returns a Config populated with defaults only.
func Default() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		LogDir:  "logs",
		Tracker: DefaultTrackerConfig(),
		Session: DefaultSessionConfig(),
	}
}

// SetDefaults registers every default on v so env vars and files can override them.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("token", d.Token)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_dir", d.LogDir)

	v.SetDefault("tracker.max_reconnect_attempts", d.Tracker.MaxReconnectAttempts)
	v.SetDefault("tracker.backoff_base", d.Tracker.BackoffBase)
	v.SetDefault("tracker.backoff_max", d.Tracker.BackoffMax)
	v.SetDefault("tracker.poll_interval", d.Tracker.PollInterval)
	v.SetDefault("tracker.connect_timeout", d.Tracker.ConnectTimeout)
	v.SetDefault("tracker.heartbeat_interval", d.Tracker.HeartbeatInterval)
	v.SetDefault("tracker.heartbeat_timeout", d.Tracker.HeartbeatTimeout)
	v.SetDefault("tracker.resync_on_connect", d.Tracker.ResyncOnConnect)
	v.SetDefault("tracker.disable_push", d.Tracker.DisablePush)

	v.SetDefault("session.backend", d.Session.Backend)
	v.SetDefault("session.expiration", d.Session.Expiration)
	v.SetDefault("session.save_debounce", d.Session.SaveDebounce)
	v.SetDefault("session.db_path", d.Session.DBPath)
	v.SetDefault("session.redis_addr", d.Session.RedisAddr)
	v.SetDefault("session.redis_password", d.Session.RedisPassword)
	v.SetDefault("session.redis_db", d.Session.RedisDB)
	v.SetDefault("session.redis_prefix", d.Session.RedisPrefix)
	v.SetDefault("session.memory_entries", d.Session.MemoryEntries)
	v.SetDefault("session.memory_quota_bytes", d.Session.MemoryQuotaBytes)
}

// NewViper returns a viper instance wired with defaults and LEXTRACK_ env overrides.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration from defaults, an optional file and the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a Config from an already populated viper.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the tracker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url must not be empty"))
	}
	if err := c.Tracker.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Session.Backend {
	case BackendMemory:
		if c.Session.MemoryEntries <= 0 {
			errs = append(errs, fmt.Errorf("session.memory_entries must be positive, got %d", c.Session.MemoryEntries))
		}
	case BackendSQLite:
		if c.Session.DBPath == "" {
			errs = append(errs, errors.New("session.db_path must not be empty for the sqlite backend"))
		}
	case BackendRedis:
		if c.Session.RedisAddr == "" {
			errs = append(errs, errors.New("session.redis_addr must not be empty for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown session.backend %q (memory|sqlite|redis)", c.Session.Backend))
	}
	if c.Session.Expiration <= 0 {
		errs = append(errs, fmt.Errorf("session.expiration must be positive, got %s", c.Session.Expiration))
	}
	if c.Session.SaveDebounce < 0 {
		errs = append(errs, fmt.Errorf("session.save_debounce must not be negative, got %s", c.Session.SaveDebounce))
	}
	return errors.Join(errs...)
}

// Validate checks the tracker timings.
func (t TrackerConfig) Validate() error {
	var errs []error
	if t.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("tracker.max_reconnect_attempts must not be negative, got %d", t.MaxReconnectAttempts))
	}
	if t.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("tracker.backoff_base must be positive, got %s", t.BackoffBase))
	}
	if t.BackoffMax < t.BackoffBase {
		errs = append(errs, fmt.Errorf("tracker.backoff_max (%s) must be >= backoff_base (%s)", t.BackoffMax, t.BackoffBase))
	}
	if t.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("tracker.poll_interval must be positive, got %s", t.PollInterval))
	}
	if t.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tracker.connect_timeout must be positive, got %s", t.ConnectTimeout))
	}
	if t.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("tracker.heartbeat_interval must be positive, got %s", t.HeartbeatInterval))
	}
	if t.HeartbeatTimeout < t.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("tracker.heartbeat_timeout (%s) must be >= heartbeat_interval (%s)", t.HeartbeatTimeout, t.HeartbeatInterval))
	}
	return errors.Join(errs...)
}

// Backoff returns the delay before reconnect attempt n (0-based):
// BackoffBase * 2^n, capped at BackoffMax.
func (t TrackerConfig) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := t.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= t.BackoffMax || delay <= 0 {
			return t.BackoffMax
		}
	}
	if delay > t.BackoffMax {
		return t.BackoffMax
	}
	return delay
}
