package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultRetryDelay  = time.Second
	DefaultDialTimeout = 2 * time.Second
)

type StreamSourceConfig struct {
	// Addr is dialled over TCP and redialled after the connection drops.
	// Ignored when Reader is set.
	Addr string
	// Reader is consumed once; Run returns when it is exhausted.
	Reader io.Reader
	// Name labels a Reader based source.
	Name        string
	Framing     snapshot.Framing
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Log         *slog.Logger
}

// StreamSource decodes framed snapshots from a byte stream, either a given
// reader or a TCP connection such as the one served by emit.StreamSink.
type StreamSource struct {
	cfg StreamSourceConfig
	log *slog.Logger
}

func NewStreamSource(cfg StreamSourceConfig) *StreamSource {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := &StreamSource{cfg: cfg}
	s.log = cfg.Log.With(slog.String("component", "stream-source"), slog.String("source", s.Description()))
	return s
}

func (s *StreamSource) Description() string {
	switch {
	case s.cfg.Reader != nil && s.cfg.Name != "":
		return "stream: " + s.cfg.Name
	case s.cfg.Reader != nil:
		return "stream"
	default:
		return "tcp: " + s.cfg.Addr
	}
}

func (s *StreamSource) Run(ctx context.Context, h Handler) error {
	if s.cfg.Reader != nil {
		err := s.consume(ctx, s.cfg.Reader, h)
		if err != nil && ctx.Err() == nil {
			h.HandleError(err)
		}
		return nil
	}
	if s.cfg.Addr == "" {
		return errors.New("stream source: no address or reader")
	}

	for {
		err := s.connectAndConsume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.HandleError(err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

func (s *StreamSource) connectAndConsume(ctx context.Context, h Handler) error {
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.cfg.Addr, err)
	}
	s.log.Debug("connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := s.consume(ctx, conn, h); err != nil {
		return err
	}
	return fmt.Errorf("connection to %s closed", s.cfg.Addr)
}

// consume reads frames until r ends. Frames that fail to decode are reported
// and skipped; transport errors end the stream.
func (s *StreamSource) consume(ctx context.Context, r io.Reader, h Handler) error {
	fr := snapshot.NewFrameReader(r, s.cfg.Framing)
	for {
		snap, err := fr.Next()
		var de *snapshot.DecodeError
		switch {
		case err == nil:
			h.HandleSnapshot(snap)
		case errors.As(err, &de):
			h.HandleError(err)
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
