package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Kinds(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindParse, "rabbitmq", cause)

	require.True(t, IsParse(err))
	require.False(t, IsConnection(err))
	require.ErrorIs(t, err, cause)
	require.Equal(t, "rabbitmq: parse error: boom", err.Error())

	wrapped := fmt.Errorf("collect: %w", err)
	require.True(t, IsParse(wrapped))
	require.Equal(t, KindParse, KindOf(wrapped))

	require.NoError(t, Wrap(KindAuth, "x", nil))
	require.Equal(t, Kind(0), KindOf(cause))
}

func TestKind_Retryable(t *testing.T) {
	require.True(t, KindConnection.Retryable())
	require.True(t, KindTimeout.Retryable())
	require.False(t, KindParse.Retryable())
	require.False(t, KindAuth.Retryable())
	require.False(t, KindUnsupported.Retryable())
}

func TestClassify(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	require.True(t, IsConnection(Classify("nats", dial)))
	require.True(t, IsTimeout(Classify("nats", fmt.Errorf("get: %w", context.DeadlineExceeded))))
	require.Equal(t, KindHTTP, KindOf(Classify("nats", errors.New("unexpected EOF"))))

	auth := Wrap(KindAuth, "nats", errors.New("denied"))
	require.Same(t, auth, Classify("nats", auth))
	require.NoError(t, Classify("nats", nil))
}
