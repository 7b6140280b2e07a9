package staterail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stevebraown/StateRail/internal/logging"
)

// newTestEngine returns a quiet, started in-memory engine with the builtin
// capabilities registered. It is stopped when the test ends.
func newTestEngine(t *testing.T, opts Options) Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewForTest()
	}
	eng := NewInMemoryEngineWithOptions(opts)
	require.NoError(t, RegisterBuiltins(eng))
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
