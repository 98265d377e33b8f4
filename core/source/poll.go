package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/lowhung/buswatch/core/adapter"
)

const DefaultCollectInterval = 5 * time.Second

type PollSourceConfig struct {
	Adapter  adapter.Adapter
	Interval time.Duration
	// Timeout bounds one Collect call. Zero means Interval.
	Timeout time.Duration
	Log     *slog.Logger
}

// PollSource collects from an adapter on a fixed interval. Failures are
// reported to the handler and retried on the next tick.
type PollSource struct {
	a        adapter.Adapter
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewPollSource(cfg PollSourceConfig) *PollSource {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCollectInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &PollSource{
		a:        cfg.Adapter,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      cfg.Log.With(slog.String("component", "poll-source"), slog.String("adapter", cfg.Adapter.Name())),
	}
}

func (p *PollSource) Description() string { return "adapter: " + p.a.Name() }

func (p *PollSource) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.collect(ctx, h)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PollSource) collect(ctx context.Context, h Handler) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	s, err := p.a.Collect(cctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if cctx.Err() != nil && !adapter.IsTimeout(err) {
			err = adapter.Wrap(adapter.KindTimeout, p.a.Name(), err)
		}
		p.log.Debug("collect failed",
			slog.Any("error", err),
			slog.Bool("retryable", adapter.KindOf(err).Retryable()),
		)
		h.HandleError(err)
		return
	}
	p.log.Debug("collected", slog.Int("modules", s.Len()), slog.Duration("took", time.Since(start)))
	h.HandleSnapshot(s)
}
