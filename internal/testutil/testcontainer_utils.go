// Package testutil starts throwaway database containers for the store and
// queue test suites. Every helper skips the calling test when no container
// provider (Docker, Podman) is reachable.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// startupTimeout is generous for CI environments that pull images cold.
const startupTimeout = 3 * time.Minute

// runContainer starts image with opts, registers its cleanup on t and
// returns the host:port endpoint of its first exposed port.
func runContainer(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	t.Cleanup(cancel)

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	require.NoError(t, err)

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}
