package nats

import (
	"context"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"

	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/core/source"
)

const sourceBuffer = 64

type SourceConfig struct {
	Connect Connector    // Connect opens the connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Subject string       // Subject to subscribe to, default DefaultSubject
	// Queue joins a queue group so that several watchers share one feed.
	Queue string
}

// Source subscribes to a subject and decodes every message as a snapshot.
type Source struct {
	connect Connector
	log     *slog.Logger
	subject string
	queue   string
}

func NewSource(cfg SourceConfig) *Source {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		connect: connectOrDefault(cfg.Connect),
		log:     log.With(slog.String("component", "nats-source"), slog.String("subject", cfg.Subject)),
		subject: cfg.Subject,
		queue:   cfg.Queue,
	}
}

func (s *Source) Description() string { return "nats: " + s.subject }

// Run subscribes and delivers snapshots until ctx is done. Undecodable
// messages are reported and skipped.
func (s *Source) Run(ctx context.Context, h source.Handler) error {
	nc, closeNc, err := s.connect()
	if err != nil {
		return fmt.Errorf("nats: connect: %w", err)
	}
	defer closeNc()

	ch := make(chan *natsgo.Msg, sourceBuffer)
	var sub *natsgo.Subscription
	if s.queue != "" {
		sub, err = nc.ChanQueueSubscribe(s.subject, s.queue, ch)
	} else {
		sub, err = nc.ChanSubscribe(s.subject, ch)
	}
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", s.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	s.log.Info("subscribed", slog.String("queue", s.queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			snap, err := snapshot.Decode(msg.Data)
			if err != nil {
				s.log.Warn("failed to decode snapshot", slog.Any("error", err))
				h.HandleError(err)
				continue
			}
			h.HandleSnapshot(snap)
		}
	}
}

var _ source.Source = (*Source)(nil)
