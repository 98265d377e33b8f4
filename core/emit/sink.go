package emit

import (
	"context"
	"errors"

	"github.com/lowhung/buswatch/core/snapshot"
)

// Sink receives every snapshot the Scheduler emits. Send must honour ctx;
// the Scheduler bounds each call with its send timeout. A Sink that also
// implements io.Closer is closed when the Scheduler stops.
type Sink interface {
	Name() string
	Send(ctx context.Context, s snapshot.Snapshot) error
}

// Collector produces snapshots. *instrument.Registry implements it.
type Collector interface {
	Collect() snapshot.Snapshot
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func() snapshot.Snapshot

func (f CollectorFunc) Collect() snapshot.Snapshot { return f() }

// SinkFunc builds a Sink from a function.
func SinkFunc(name string, fn func(ctx context.Context, s snapshot.Snapshot) error) Sink {
	return &funcSink{name: name, fn: fn}
}

type funcSink struct {
	name string
	fn   func(context.Context, snapshot.Snapshot) error
}

func (f *funcSink) Name() string { return f.name }

func (f *funcSink) Send(ctx context.Context, s snapshot.Snapshot) error { return f.fn(ctx, s) }

var (
	// ErrSinkBusy is reported for a sink whose previous send has not returned yet.
	ErrSinkBusy = errors.New("emit: sink busy with previous send")
	// ErrSendTimeout is reported for a send that overran the send timeout.
	ErrSendTimeout = errors.New("emit: send timed out")
	// ErrSinkPanic wraps a panic recovered from a sink.
	ErrSinkPanic = errors.New("emit: sink panicked")
	// ErrSinkClosed is returned by sinks after Close.
	ErrSinkClosed = errors.New("emit: sink closed")
	// ErrQueueFull is returned by a ChannelSink that could not enqueue.
	ErrQueueFull = errors.New("emit: queue full")

	ErrSchedulerStarted = errors.New("emit: scheduler already started")
	ErrSchedulerStopped = errors.New("emit: scheduler stopped")
)

// SinkError attributes a failure to the sink that produced it.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return "sink " + e.Sink + ": " + e.Err.Error() }

func (e *SinkError) Unwrap() error { return e.Err }
