// Package rabbitmq builds snapshots from the RabbitMQ management HTTP API.
// Each queue becomes a module with a "messages" topic: writes are messages
// published to the queue, reads are messages delivered from it with the
// ready count as backlog.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lowhung/buswatch/core/adapter"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultEndpoint = "http://localhost:15672"
	DefaultUsername = "guest"
	DefaultPassword = "guest"
	DefaultVHost    = "/"
	DefaultTimeout  = 10 * time.Second

	// Topic is the single topic every queue module reads and writes.
	Topic = "messages"

	maxErrorBody = 512
)

var ErrQueueNotFound = errors.New("queue not found")

type Config struct {
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`

	// Timeout applies to each API request.
	Timeout time.Duration `mapstructure:"timeout"`

	Client *http.Client
	Log    *slog.Logger
	Now    func() time.Time
}

type Adapter struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

func New(cfg Config) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Username == "" {
		cfg.Username = DefaultUsername
		cfg.Password = DefaultPassword
	}
	if cfg.VHost == "" {
		cfg.VHost = DefaultVHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		cfg:    cfg,
		client: client,
		log:    cfg.Log.With(slog.String("component", "rabbitmq-adapter"), slog.String("vhost", cfg.VHost)),
	}
}

func (a *Adapter) Name() string { return "rabbitmq" }

// Collect fetches every queue of the vhost.
func (a *Adapter) Collect(ctx context.Context) (snapshot.Snapshot, error) {
	var queues []queueInfo
	if err := a.get(ctx, "/api/queues/"+url.PathEscape(a.cfg.VHost), &queues); err != nil {
		return snapshot.Snapshot{}, err
	}
	s := snapshot.New(a.cfg.Now())
	for _, q := range queues {
		s.Modules[q.Name] = q.metrics()
	}
	a.log.Debug("collected", slog.Int("queues", len(queues)))
	return s, nil
}

// CollectQueue fetches a single queue.
func (a *Adapter) CollectQueue(ctx context.Context, name string) (snapshot.ModuleMetrics, error) {
	var q queueInfo
	err := a.get(ctx, "/api/queues/"+url.PathEscape(a.cfg.VHost)+"/"+url.PathEscape(name), &q)
	if err != nil {
		return snapshot.ModuleMetrics{}, err
	}
	return q.metrics(), nil
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Endpoint+path, nil)
	if err != nil {
		return adapter.Wrap(adapter.KindHTTP, a.Name(), err)
	}
	req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.Classify(a.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return adapter.Wrap(adapter.KindAuth, a.Name(), fmt.Errorf("invalid credentials for %s", a.cfg.Username))
	case resp.StatusCode == http.StatusNotFound:
		return adapter.Wrap(adapter.KindHTTP, a.Name(), fmt.Errorf("%w: %s", ErrQueueNotFound, path))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return adapter.Wrap(adapter.KindHTTP, a.Name(), fmt.Errorf("api returned %s: %s", resp.Status, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return adapter.Wrap(adapter.KindParse, a.Name(), err)
	}
	return nil
}

type queueInfo struct {
	Name                   string        `json:"name"`
	MessagesReady          uint64        `json:"messages_ready"`
	MessagesUnacknowledged uint64        `json:"messages_unacknowledged"`
	Consumers              uint32        `json:"consumers"`
	MessageStats           *messageStats `json:"message_stats"`
}

type messageStats struct {
	Publish           uint64       `json:"publish"`
	PublishDetails    *rateDetails `json:"publish_details"`
	DeliverGet        uint64       `json:"deliver_get"`
	DeliverGetDetails *rateDetails `json:"deliver_get_details"`
}

type rateDetails struct {
	Rate float64 `json:"rate"`
}

func (q queueInfo) metrics() snapshot.ModuleMetrics {
	m := snapshot.NewModuleMetrics()

	var read snapshot.ReadMetrics
	var write snapshot.WriteMetrics
	if st := q.MessageStats; st != nil {
		write.Count = st.Publish
		if st.PublishDetails != nil {
			write = write.WithRate(st.PublishDetails.Rate)
		}
		// A queue without consumers reports no reads, only its backlog.
		if q.Consumers > 0 {
			read.Count = st.DeliverGet
			if st.DeliverGetDetails != nil {
				read = read.WithRate(st.DeliverGetDetails.Rate)
			}
		}
	}
	m.Reads[Topic] = read.WithBacklog(q.MessagesReady)
	m.Writes[Topic] = write
	return m
}

var _ adapter.Adapter = (*Adapter)(nil)
