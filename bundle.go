package staterail

import (
	"context"
	"log/slog"

	"github.com/stevebraown/StateRail/internal/config"
	"github.com/stevebraown/StateRail/internal/logging"
)

// Bundle is an Engine opened from a configuration file, together with the
// logger built from the same file and the connection it owns.
//
// Typical usage:
//
//	b, err := staterail.OpenBundle(ctx, "staterail.toml")
//	if err != nil { ... }
//	defer b.Close()
//	// publish definitions and register extra capabilities on b.Engine
//	_ = b.Engine.Start(ctx)
type Bundle struct {
	Engine Engine
	Logger *slog.Logger

	release func() error
}

// OpenBundle loads the TOML configuration at path (missing files fall back
// to defaults, STATERAIL_* environment variables override both), connects
// to the configured backend and registers the builtin capabilities. The
// engine is not started.
func OpenBundle(ctx context.Context, path string) (*Bundle, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return openBundle(ctx, cfg, nil)
}

func openBundle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bundle, error) {
	if logger == nil {
		logger = logging.NewFromConfig(cfg.Logging)
	}
	eng, release, err := cfg.Open(ctx, logger, NewLoggingObserver(logger))
	if err != nil {
		return nil, err
	}
	if err := RegisterBuiltins(eng); err != nil {
		_ = release()
		return nil, err
	}
	return &Bundle{Engine: eng, Logger: logger, release: release}, nil
}

// Close stops the engine and releases its backend connection.
func (b *Bundle) Close() error {
	b.Engine.Stop()
	return b.release()
}
