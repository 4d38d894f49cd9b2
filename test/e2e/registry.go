package e2e

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const registryImage = "registry:3"

// runRegistry starts a distribution registry in a container and returns its address as host:port.
// The address is reachable from the local Docker daemon as well since localhost registries are insecure by default.
func runRegistry(t *testing.T) string {
	ctx := context.Background()
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        registryImage,
			ExposedPorts: []string{"5000/tcp"},
			Env: map[string]string{
				"OTEL_TRACES_EXPORTER":            "none",
				"REGISTRY_LOG_LEVEL":              "debug",
				"REGISTRY_STORAGE_DELETE_ENABLED": "true",
			},
			WaitingFor: wait.ForHTTP("/v2/").
				WithPort("5000/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}
	ctr, err := testcontainers.GenericContainer(ctx, req)
	require.NoError(t, err)

	t.Cleanup(func() {
		printLogTail(t, ctr, 20)
		assert.NoError(t, ctr.Terminate(ctx))
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5000/tcp")
	require.NoError(t, err)

	addr := host + ":" + port.Port()
	t.Logf("Registry started at %s", addr)
	return addr
}

func printLogTail(t *testing.T, ctr testcontainers.Container, n int) {
	logs, err := ctr.Logs(context.Background())
	if !assert.NoError(t, err, "Failed to get logs from registry container.") {
		return
	}
	defer logs.Close()

	content, err := io.ReadAll(logs)
	if !assert.NoError(t, err, "Failed to read logs from registry container.") {
		return
	}

	lines := strings.Split(string(content), "\n")
	start := max(len(lines)-n, 0)
	t.Logf("=== Last %d lines of registry container logs ===", n)
	for _, line := range lines[start:] {
		if line != "" {
			t.Log(line)
		}
	}
	t.Log("=== End of registry container logs ===")
}
