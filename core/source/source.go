// Package source delivers snapshots from files, byte streams, channels and
// bus adapters to an analytics engine.
package source

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lowhung/buswatch/core/analytics"
	"github.com/lowhung/buswatch/core/snapshot"
)

// Handler receives what a source produces. Sources call it from a single
// goroutine.
type Handler interface {
	HandleSnapshot(s snapshot.Snapshot)
	// HandleError reports a failure the source recovers from, such as an
	// unreadable file or a frame that does not decode.
	HandleError(err error)
}

// Funcs adapts two functions to a Handler. Nil fields are ignored.
type Funcs struct {
	Snapshot func(snapshot.Snapshot)
	Error    func(error)
}

func (f Funcs) HandleSnapshot(s snapshot.Snapshot) {
	if f.Snapshot != nil {
		f.Snapshot(s)
	}
}

func (f Funcs) HandleError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Source produces snapshots until ctx is done. Run returns nil when the
// source is exhausted or ctx is cancelled, and an error only when the source
// cannot run at all.
type Source interface {
	Description() string
	Run(ctx context.Context, h Handler) error
}

// Feed ingests everything a Source produces into an Engine and remembers the
// last error. A successful snapshot clears it.
type Feed struct {
	src    Source
	engine *analytics.Engine
	log    *slog.Logger

	accepted atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

func NewFeed(src Source, engine *analytics.Engine, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		src:    src,
		engine: engine,
		log:    log.With(slog.String("component", "feed"), slog.String("source", src.Description())),
	}
}

func (f *Feed) Description() string { return f.src.Description() }

func (f *Feed) Engine() *analytics.Engine { return f.engine }

// Run blocks until the source stops.
func (f *Feed) Run(ctx context.Context) error {
	f.log.Info("feed started")
	defer f.log.Info("feed stopped")
	return f.src.Run(ctx, f)
}

func (f *Feed) HandleSnapshot(s snapshot.Snapshot) {
	f.setErr(nil)
	if f.engine.Ingest(s) {
		f.accepted.Add(1)
		return
	}
	f.dropped.Add(1)
	f.log.Debug("stale snapshot dropped", slog.Uint64("timestamp_ms", s.TimestampMs))
}

func (f *Feed) HandleError(err error) {
	f.setErr(err)
	f.log.Warn("source error", slog.Any("error", err))
}

// Err returns the error reported since the last good snapshot, if any.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Accepted and Dropped count snapshots taken and rejected by the engine.
func (f *Feed) Accepted() uint64 { return f.accepted.Load() }
func (f *Feed) Dropped() uint64  { return f.dropped.Load() }

func (f *Feed) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
}
