// Package redis moves snapshots over Redis pub/sub. The sink can also keep
// the latest snapshot under a key so late subscribers can catch up.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lowhung/buswatch/core/emit"
	"github.com/lowhung/buswatch/core/snapshot"
	"github.com/lowhung/buswatch/core/source"
)

const (
	DefaultChannel = "buswatch:snapshots"
	DefaultURL     = "redis://localhost:6379/0"
)

// ErrNoSnapshot is returned by Latest when nothing has been stored yet.
var ErrNoSnapshot = errors.New("redis: no snapshot stored")

type Config struct {
	// Client is used as is when set. Otherwise one is created from URL and
	// closed with the sink or source.
	Client  *redis.Client
	URL     string
	Channel string
	Log     *slog.Logger
}

func (c *Config) client() (*redis.Client, bool, error) {
	if c.Client != nil {
		return c.Client, false, nil
	}
	url := c.URL
	if url == "" {
		url = DefaultURL
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, false, fmt.Errorf("redis: parse url: %w", err)
	}
	return redis.NewClient(opt), true, nil
}

func (c *Config) defaults() {
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
}

type SinkConfig struct {
	Config
	Format snapshot.Format
	// LatestKey, when set, also stores each snapshot under this key.
	LatestKey string
	// LatestTTL expires the stored snapshot. Zero keeps it forever.
	LatestTTL time.Duration
}

// Sink PUBLISHes every snapshot on a channel.
type Sink struct {
	rdb     *redis.Client
	owned   bool
	log     *slog.Logger
	channel string
	format  snapshot.Format
	key     string
	ttl     time.Duration

	closed atomic.Bool
}

func NewSink(cfg SinkConfig) (*Sink, error) {
	cfg.defaults()
	rdb, owned, err := cfg.client()
	if err != nil {
		return nil, err
	}
	return &Sink{
		rdb:     rdb,
		owned:   owned,
		log:     cfg.Log.With(slog.String("component", "redis-sink"), slog.String("channel", cfg.Channel)),
		channel: cfg.Channel,
		format:  cfg.Format,
		key:     cfg.LatestKey,
		ttl:     cfg.LatestTTL,
	}, nil
}

func (s *Sink) Name() string { return "redis: " + s.channel }

func (s *Sink) Send(ctx context.Context, snap snapshot.Snapshot) error {
	if s.closed.Load() {
		return emit.ErrSinkClosed
	}
	payload, err := snapshot.Encode(snap, s.format)
	if err != nil {
		return err
	}

	if s.key == "" {
		n, err := s.rdb.Publish(ctx, s.channel, payload).Result()
		if err != nil {
			return fmt.Errorf("redis: publish: %w", err)
		}
		s.log.Debug("published snapshot", slog.Int64("receivers", n))
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key, payload, s.ttl)
		p.Publish(ctx, s.channel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish: %w", err)
	}
	return nil
}

// Latest reads the snapshot stored under the sink's LatestKey.
func (s *Sink) Latest(ctx context.Context) (snapshot.Snapshot, error) {
	if s.key == "" {
		return snapshot.Snapshot{}, ErrNoSnapshot
	}
	return Latest(ctx, s.rdb, s.key)
}

func (s *Sink) Close() error {
	if s.closed.Swap(true) || !s.owned {
		return nil
	}
	return s.rdb.Close()
}

// Latest reads a snapshot stored by a Sink with LatestKey set.
func Latest(ctx context.Context, rdb *redis.Client, key string) (snapshot.Snapshot, error) {
	b, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return snapshot.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return snapshot.Decode(b)
}

// Source SUBSCRIBEs to a channel and decodes every message.
type Source struct {
	cfg Config
	log *slog.Logger
}

func NewSource(cfg Config) *Source {
	cfg.defaults()
	return &Source{
		cfg: cfg,
		log: cfg.Log.With(slog.String("component", "redis-source"), slog.String("channel", cfg.Channel)),
	}
}

func (s *Source) Description() string { return "redis: " + s.cfg.Channel }

func (s *Source) Run(ctx context.Context, h source.Handler) error {
	rdb, owned, err := s.cfg.client()
	if err != nil {
		return err
	}
	if owned {
		defer func() { _ = rdb.Close() }()
	}

	sub := rdb.Subscribe(ctx, s.cfg.Channel)
	defer func() { _ = sub.Close() }()
	// Wait for the confirmation so that nothing published after Run starts
	// delivering is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("redis: subscribe %s: %w", s.cfg.Channel, err)
	}
	s.log.Info("subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			snap, err := snapshot.Decode([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("failed to decode snapshot", slog.Any("error", err))
				h.HandleError(err)
				continue
			}
			h.HandleSnapshot(snap)
		}
	}
}

var (
	_ emit.Sink     = (*Sink)(nil)
	_ source.Source = (*Source)(nil)
)
