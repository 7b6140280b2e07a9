package testutil

import (
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartMongoContainer runs mongo:7 and returns a mongodb:// URI for it.
func StartMongoContainer(t *testing.T) string {
	t.Helper()

	endpoint := runContainer(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	return fmt.Sprintf("mongodb://%s", endpoint)
}
