package emit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/lowhung/buswatch/core/perkey"
	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultInterval    = time.Second
	DefaultSendTimeout = 5 * time.Second

	minGrace = 50 * time.Millisecond
)

type Options struct {
	Interval    time.Duration  // Interval between ticks (default 1s)
	SendTimeout time.Duration  // SendTimeout bounds each Send call (default 5s)
	Log         *slog.Logger   // Log for sink failures and lifecycle (optional)
	Metrics     EmitterMetrics // Metrics for ticks and sends (optional)
}

// Scheduler periodically collects a snapshot and fans it out to its sinks.
//
// Every sink owns a lane with at most one send in flight. A sink that fails,
// panics or overruns its timeout is reported and simply tried again on the
// next tick; the other sinks are not affected.
type Scheduler struct {
	collector Collector
	sinks     []Sink
	lanes     *perkey.Lanes[int]

	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
	metrics  EmitterMetrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

func New(c Collector, opts Options, sinks ...Sink) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NopEmitterMetrics()
	}
	return &Scheduler{
		collector: c,
		sinks:     sinks,
		lanes:     perkey.New[int](),
		interval:  opts.Interval,
		timeout:   opts.SendTimeout,
		log:       opts.Log.With(slog.String("component", "emitter")),
		metrics:   opts.Metrics,
	}
}

// Sinks returns the configured sinks.
func (s *Scheduler) Sinks() []Sink { return s.sinks }

// Start launches the tick loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.log.Info("emitter started",
		slog.Duration("interval", s.interval),
		slog.Int("sinks", len(s.sinks)),
	)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) Report {
	defer s.metrics.TickDuration().ObserveDuration()
	s.metrics.Ticks().Inc()

	snap := s.collector.Collect()
	s.metrics.ModulesCollected().Set(float64(snap.Len()))

	r := s.dispatch(ctx, snap)
	s.log.Debug("emitted snapshot",
		slog.Int("modules", snap.Len()),
		slog.Int("failed", len(r.Failed())),
	)
	return r
}

// EmitNow collects one snapshot and sends it to every sink, independent of
// the tick loop.
func (s *Scheduler) EmitNow(ctx context.Context) (Report, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return Report{}, ErrSchedulerStopped
	}
	return s.tick(ctx), nil
}

type inflight struct {
	idx   int
	start time.Time
	done  <-chan error
}

func (s *Scheduler) dispatch(ctx context.Context, snap snapshot.Snapshot) Report {
	r := Report{Snapshot: snap, Results: make([]SinkResult, len(s.sinks))}
	pending := make([]inflight, 0, len(s.sinks))

	for i, sink := range s.sinks {
		r.Results[i].Sink = sink.Name()

		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		done, err := s.lanes.TryGo(i, func() error {
			defer cancel()
			defer s.metrics.SendDuration(sink.Name()).ObserveDuration()
			return send(sendCtx, sink, snap)
		})
		if err != nil {
			cancel()
			if errors.Is(err, perkey.ErrBusy) {
				err = ErrSinkBusy
				s.metrics.SendSkipped(sink.Name())
			}
			r.Results[i].Err = err
			continue
		}
		pending = append(pending, inflight{idx: i, start: time.Now(), done: done})
	}

	// Sinks get their own timeout plus a little grace to report it themselves.
	deadline := time.NewTimer(s.timeout + max(s.timeout/10, minGrace))
	defer deadline.Stop()

	expired := false
	for _, p := range pending {
		res := &r.Results[p.idx]
		if expired {
			select {
			case err := <-p.done:
				res.Err = err
			default:
				res.Err = ErrSendTimeout
			}
		} else {
			select {
			case err := <-p.done:
				res.Err = err
			case <-deadline.C:
				expired = true
				res.Err = ErrSendTimeout
			}
		}
		res.Duration = time.Since(p.start)
	}

	for i := range r.Results {
		res := &r.Results[i]
		if res.Err == nil {
			s.metrics.SendCompleted(res.Sink, true)
			continue
		}
		if !errors.Is(res.Err, ErrSinkBusy) {
			s.metrics.SendCompleted(res.Sink, false)
		}
		res.Err = &SinkError{Sink: res.Sink, Err: res.Err}
		s.log.Warn("sink send failed",
			slog.String("sink", res.Sink),
			slog.Any("error", res.Err),
		)
	}
	return r
}

func send(ctx context.Context, sink Sink, snap snapshot.Snapshot) (err error) {
	var pc panics.Catcher
	pc.Try(func() { err = sink.Send(ctx, snap) })
	if rec := pc.Recovered(); rec != nil {
		return fmt.Errorf("%w: %v", ErrSinkPanic, rec.Value)
	}
	return err
}

// Stop ends the tick loop, waits for in-flight sends (bounded by ctx) and
// closes every sink implementing io.Closer. It is safe to call more than once.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("emit: waiting for tick loop: %w", ctx.Err()))
		}
	}
	if err := s.lanes.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("emit: waiting for sends: %w", err))
	}

	for _, sink := range s.sinks {
		c, ok := sink.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, &SinkError{Sink: sink.Name(), Err: err})
		}
	}

	s.log.Info("emitter stopped")
	return errors.Join(errs...)
}

// Report is the outcome of one emission.
type Report struct {
	Snapshot snapshot.Snapshot
	Results  []SinkResult
}

type SinkResult struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// Failed returns the results that carry an error.
func (r Report) Failed() []SinkResult {
	var out []SinkResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins all sink errors, or returns nil if every send succeeded.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}
