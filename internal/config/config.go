// Package config loads the StateRail process configuration: storage backend,
// engine tuning and logging. Values come from defaults, then an optional
// TOML file, then STATERAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/stevebraown/StateRail/internal/engine"
	"github.com/stevebraown/StateRail/pkg/api"
)

// Backend selects where definitions, runs and the task queue live.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRedis    Backend = "redis"
	BackendMongo    Backend = "mongo"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// StorageConfig holds backend settings.
type StorageConfig struct {
	Backend Backend `toml:"backend"`

	// DSN is the SQLite file path, the PostgreSQL connection string, the
	// Redis address or URL, or the MongoDB URI, depending on Backend.
	DSN string `toml:"dsn"`

	// Database names the MongoDB database.
	Database string `toml:"database"`

	// Prefix namespaces Redis keys.
	Prefix string `toml:"prefix"`
}

// EngineConfig holds scheduler tuning.
type EngineConfig struct {
	Workers       int             `toml:"workers"`
	StepBudget    int             `toml:"step_budget"`
	StepTimeout   time.Duration   `toml:"step_timeout"`
	PollInterval  time.Duration   `toml:"poll_interval"`
	QueueCapacity int             `toml:"queue_capacity"`
	LeaseTTL      time.Duration   `toml:"lease_ttl"`
	Retry         api.RetryPolicy `toml:"retry"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
}

// Config is the main configuration struct.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
}

// Default returns a Config with the engine defaults and a local SQLite
// database.
func Default() *Config {
	d := engine.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			Backend:  BackendSQLite,
			DSN:      "staterail.db",
			Database: "staterail",
			Prefix:   "staterail:",
		},
		Engine: EngineConfig{
			Workers:       d.Workers,
			StepBudget:    d.StepBudget,
			StepTimeout:   d.DefaultStepTimeout,
			PollInterval:  d.PollInterval,
			QueueCapacity: d.QueueCapacity,
			LeaseTTL:      d.LeaseTTL,
			Retry:         d.DefaultRetry,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; an empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			md, err := toml.Decode(string(data), cfg)
			if err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
			}
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres, BackendRedis, BackendMongo:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Engine.Workers <= 0 {
		return errors.New("engine.workers must be positive")
	}
	if c.Engine.StepBudget <= 0 {
		return errors.New("engine.step_budget must be positive")
	}
	if c.Engine.StepTimeout < 0 || c.Engine.PollInterval < 0 || c.Engine.LeaseTTL < 0 {
		return errors.New("engine durations must not be negative")
	}
	if c.Engine.Retry.MaxAttempts < 0 {
		return errors.New("engine.retry.max_attempts must not be negative")
	}
	switch c.Logging.Format {
	case LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}

// EngineConfig maps the tuning section to an engine.Config without
// storage; Open fills in the backend.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Workers:            c.Engine.Workers,
		StepBudget:         c.Engine.StepBudget,
		DefaultRetry:       c.Engine.Retry,
		DefaultStepTimeout: c.Engine.StepTimeout,
		QueueCapacity:      c.Engine.QueueCapacity,
		PollInterval:       c.Engine.PollInterval,
		LeaseTTL:           c.Engine.LeaseTTL,
	}
}
