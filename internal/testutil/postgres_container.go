package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgresContainer runs postgres:16 and returns a pgx DSN for it.
func StartPostgresContainer(t *testing.T) string {
	t.Helper()

	endpoint := runContainer(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Verify SQL connectivity with a DSN built from the mapped host:port.
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://staterail:staterail@%s:%s/staterail_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "staterail",
			"POSTGRES_PASSWORD": "staterail",
			"POSTGRES_DB":       "staterail_test",
		}),
	)

	return fmt.Sprintf("postgres://staterail:staterail@%s/staterail_test?sslmode=disable", endpoint)
}
