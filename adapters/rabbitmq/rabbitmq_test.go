package rabbitmq

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lowhung/buswatch/core/adapter"
)

const queuesJSON = `[
  {
    "name": "orders",
    "messages_ready": 100,
    "messages_unacknowledged": 5,
    "consumers": 2,
    "message_stats": {
      "publish": 600,
      "publish_details": {"rate": 10.5},
      "deliver_get": 500,
      "deliver_get_details": {"rate": 9.2}
    }
  },
  {
    "name": "dead-letters",
    "messages_ready": 7,
    "consumers": 0,
    "message_stats": {"publish": 7, "deliver_get": 3}
  },
  {"name": "fresh"}
]`

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func management(t *testing.T) *httptest.Server {
	return newServer(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.EscapedPath() {
		case "/api/queues/prod%2Feu":
			_, _ = w.Write([]byte(queuesJSON))
		case "/api/queues/prod%2Feu/orders":
			_, _ = w.Write([]byte(`{"name":"orders","messages_ready":1,"consumers":1,"message_stats":{"publish":2,"deliver_get":1}}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestNew_Defaults(t *testing.T) {
	a := New(Config{})
	require.Equal(t, "rabbitmq", a.Name())
	require.Equal(t, DefaultEndpoint, a.cfg.Endpoint)
	require.Equal(t, "guest", a.cfg.Username)
	require.Equal(t, "guest", a.cfg.Password)
	require.Equal(t, "/", a.cfg.VHost)
	require.Equal(t, DefaultTimeout, a.cfg.Timeout)

	a = New(Config{Endpoint: "http://rabbit.local:15672/", Username: "admin", Password: "secret", VHost: "myapp"})
	require.Equal(t, "http://rabbit.local:15672", a.cfg.Endpoint)
	require.Equal(t, "admin", a.cfg.Username)
	require.Equal(t, "myapp", a.cfg.VHost)
}

func TestCollect(t *testing.T) {
	srv := management(t)
	now := time.UnixMilli(1_700_000_000_123)
	a := New(Config{Endpoint: srv.URL, Username: "admin", Password: "secret", VHost: "prod/eu", Now: func() time.Time { return now }})

	s, err := a.Collect(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_000_123), s.TimestampMs)
	require.Equal(t, []string{"dead-letters", "fresh", "orders"}, s.ModuleNames())

	orders := s.Modules["orders"]
	read := orders.Reads[Topic]
	require.Equal(t, uint64(500), read.Count)
	require.Equal(t, uint64(100), *read.Backlog)
	require.Equal(t, 9.2, *read.Rate)
	write := orders.Writes[Topic]
	require.Equal(t, uint64(600), write.Count)
	require.Equal(t, 10.5, *write.Rate)

	dead := s.Modules["dead-letters"]
	require.Equal(t, uint64(0), dead.Reads[Topic].Count, "no consumers, no reads")
	require.Equal(t, uint64(7), *dead.Reads[Topic].Backlog)
	require.Nil(t, dead.Reads[Topic].Rate)
	require.Equal(t, uint64(7), dead.Writes[Topic].Count)

	fresh := s.Modules["fresh"]
	require.Equal(t, uint64(0), *fresh.Reads[Topic].Backlog)
	require.Zero(t, fresh.Writes[Topic].Count)

	m, err := a.CollectQueue(t.Context(), "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Reads[Topic].Count)
	require.Equal(t, uint64(2), m.Writes[Topic].Count)
}

func TestCollect_Errors(t *testing.T) {
	srv := management(t)

	t.Run("auth", func(t *testing.T) {
		_, err := New(Config{Endpoint: srv.URL, Username: "admin", Password: "wrong", VHost: "prod/eu"}).Collect(t.Context())
		require.Equal(t, adapter.KindAuth, adapter.KindOf(err))
		require.False(t, adapter.KindAuth.Retryable())
	})

	t.Run("queue not found", func(t *testing.T) {
		_, err := New(Config{Endpoint: srv.URL, Username: "admin", Password: "secret", VHost: "prod/eu"}).CollectQueue(t.Context(), "nope")
		require.ErrorIs(t, err, ErrQueueNotFound)
		require.Equal(t, adapter.KindHTTP, adapter.KindOf(err))
	})

	t.Run("server error", func(t *testing.T) {
		broken := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "management plugin overloaded", http.StatusServiceUnavailable)
		})
		_, err := New(Config{Endpoint: broken.URL}).Collect(t.Context())
		require.Equal(t, adapter.KindHTTP, adapter.KindOf(err))
		require.ErrorContains(t, err, "management plugin overloaded")
	})

	t.Run("bad json", func(t *testing.T) {
		garbled := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"not": "a list"`))
		})
		_, err := New(Config{Endpoint: garbled.URL}).Collect(t.Context())
		require.True(t, adapter.IsParse(err))
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		_, err = New(Config{Endpoint: "http://" + addr}).Collect(t.Context())
		require.True(t, adapter.IsConnection(err))
		require.True(t, adapter.KindOf(err).Retryable())
	})

	t.Run("timeout", func(t *testing.T) {
		slow := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		})
		_, err := New(Config{Endpoint: slow.URL, Timeout: 50 * time.Millisecond}).Collect(t.Context())
		require.True(t, adapter.IsTimeout(err))
	})
}
