package nats

import (
	"context"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Testing is the subset of *testing.T the container helper needs.
type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a JetStream-enabled NATS server in Docker for the
// duration of the test and returns a Connector for it.
func NewTestContainer(t Testing) Connector {
	natsC, err := testcontainers.Run(
		t.Context(), "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("terminate nats container: %s", err)
		}
	})

	// Cleanup runs after t.Context() is cancelled.
	endpoint, err := natsC.PortEndpoint(context.Background(), "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}
