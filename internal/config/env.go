package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/stevebraown/StateRail/pkg/api"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STATERAIL_"

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from environment variables:
//
//	STATERAIL_BACKEND, STATERAIL_DSN, STATERAIL_DATABASE, STATERAIL_PREFIX
//	STATERAIL_WORKERS, STATERAIL_STEP_BUDGET, STATERAIL_STEP_TIMEOUT,
//	STATERAIL_POLL_INTERVAL, STATERAIL_RETRY_MAX_ATTEMPTS,
//	STATERAIL_RETRY_INITIAL_BACKOFF, STATERAIL_LOG_LEVEL, STATERAIL_LOG_FORMAT
//
// Durations use Go syntax ("250ms").
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	if v, ok := env("BACKEND"); ok {
		c.Storage.Backend = Backend(v)
	}
	if v, ok := env("DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := env("DATABASE"); ok {
		c.Storage.Database = v
	}
	if v, ok := env("PREFIX"); ok {
		c.Storage.Prefix = v
	}
	if v, ok := env("LOG_LEVEL"); ok {
		c.Logging.Level = LogLevel(v)
	}
	if v, ok := env("LOG_FORMAT"); ok {
		c.Logging.Format = LogFormat(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"WORKERS", &c.Engine.Workers},
		{"STEP_BUDGET", &c.Engine.StepBudget},
		{"RETRY_MAX_ATTEMPTS", &c.Engine.Retry.MaxAttempts},
	}
	for _, f := range ints {
		v, ok := env(f.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, f.name, err)
		}
		*f.dst = n
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"STEP_TIMEOUT", &c.Engine.StepTimeout},
		{"POLL_INTERVAL", &c.Engine.PollInterval},
		{"LEASE_TTL", &c.Engine.LeaseTTL},
	}
	for _, f := range durations {
		v, ok := env(f.name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, f.name, err)
		}
		*f.dst = d
	}

	if v, ok := env("RETRY_INITIAL_BACKOFF"); ok {
		var d api.Duration
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("invalid %sRETRY_INITIAL_BACKOFF: %w", EnvPrefix, err)
		}
		c.Engine.Retry.InitialBackoff = d
	}
	return nil
}
