package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultSubject = "buswatch.snapshots"
	flushTimeout   = 5 * time.Second
)

type SinkConfig struct {
	Connect Connector    // Connect opens the connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger // Log for diagnostics (optional)
	Subject string       // Subject to publish on, default DefaultSubject
	Format  snapshot.Format
}

// Sink publishes every snapshot on a subject. Each Send waits for the server
// to acknowledge the flush so a dead connection surfaces as an error.
type Sink struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	subject string
	format  snapshot.Format

	closed atomic.Bool
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	nc, closeNc, err := connectOrDefault(cfg.Connect)()
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}
	return &Sink{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("component", "nats-sink"), slog.String("subject", cfg.Subject)),
		subject: cfg.Subject,
		format:  cfg.Format,
	}, nil
}

func (s *Sink) Name() string { return "nats: " + s.subject }

func (s *Sink) Send(ctx context.Context, snap snapshot.Snapshot) error {
	if s.closed.Load() {
		return emit.ErrSinkClosed
	}
	payload, err := snapshot.Encode(snap, s.format)
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, payload); err != nil {
		return fmt.Errorf("nats: publish: %w", err)
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats: flush: %w", err)
	}
	s.log.Debug("published snapshot", slog.Int("bytes", len(payload)), slog.Int("modules", snap.Len()))
	return nil
}

func (s *Sink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	_ = s.nc.Flush()
	s.closeNc()
	return nil
}

var _ emit.Sink = (*Sink)(nil)
