package instrument

import (
	"context"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/lowhung/buswatch/core/emit"
)

type Options struct {
	Interval       time.Duration       // Interval between emissions (default 1s)
	SendTimeout    time.Duration       // SendTimeout per sink send (default 5s)
	Sinks          []emit.Sink         // Sinks receiving every snapshot
	Log            *slog.Logger        // Log (optional)
	Metrics        emit.EmitterMetrics // Metrics for the emitter (optional)
	DerivedBacklog bool                // DerivedBacklog, see WithDerivedBacklog
	Clock          func() time.Time    // Clock stamping snapshots (default time.Now)
}

// Instrumentor bundles a Registry with an emission Scheduler.
//
//	inst := instrument.New(instrument.Options{
//	    Interval: time.Second,
//	    Sinks:    []emit.Sink{emit.NewFileSink("monitor.json", snapshot.FormatJSON)},
//	})
//	h := inst.Register("worker")
//	if err := inst.Start(ctx); err != nil { ... }
//	defer inst.Stop(context.Background())
type Instrumentor struct {
	*Registry

	id        string
	log       *slog.Logger
	scheduler *emit.Scheduler
}

func New(opts Options) *Instrumentor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	id := gonanoid.Must(10)
	log = log.With(slog.String("instrumentor", id))

	regOpts := []Option{WithClock(opts.Clock)}
	if opts.DerivedBacklog {
		regOpts = append(regOpts, WithDerivedBacklog())
	}
	reg := NewRegistry(regOpts...)

	return &Instrumentor{
		Registry: reg,
		id:       id,
		log:      log,
		scheduler: emit.New(reg, emit.Options{
			Interval:    opts.Interval,
			SendTimeout: opts.SendTimeout,
			Log:         log,
			Metrics:     opts.Metrics,
		}, opts.Sinks...),
	}
}

// ID identifies this instrumentor in logs.
func (i *Instrumentor) ID() string { return i.id }

// Start begins periodic emission to the configured sinks.
func (i *Instrumentor) Start(ctx context.Context) error { return i.scheduler.Start(ctx) }

// Stop ends emission and closes sinks.
func (i *Instrumentor) Stop(ctx context.Context) error { return i.scheduler.Stop(ctx) }

// EmitNow sends one snapshot to every sink without waiting for a tick.
func (i *Instrumentor) EmitNow(ctx context.Context) (emit.Report, error) {
	return i.scheduler.EmitNow(ctx)
}

var _ emit.Collector = (*Registry)(nil)
