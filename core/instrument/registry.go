package instrument

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

// Option configures a Registry.
type Option func(*config)

type config struct {
	derivedBacklog bool
	now            func() time.Time
	mono           func() int64
}

// WithDerivedBacklog makes Collect report backlog = (writes to the topic by
// any module) - (reads by this module) for read entries without an explicit
// backlog gauge. Write totals survive unregistration.
func WithDerivedBacklog() Option {
	return func(c *config) { c.derivedBacklog = true }
}

// WithClock sets the wall clock used to stamp snapshots (default: time.Now).
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// withMono replaces the monotonic clock used for pending durations.
func withMono(mono func() int64) Option {
	return func(c *config) { c.mono = mono }
}

// Registry maps module names to their counter stores. It is safe for
// concurrent use; the lock guards the name mapping only, never counters.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*store

	totals *topicMap[atomic.Uint64]
	now    func() time.Time
	mono   func() int64
}

func NewRegistry(opts ...Option) *Registry {
	cfg := &config{now: time.Now, mono: monoNow}
	for _, opt := range opts {
		opt(cfg)
	}
	r := &Registry{
		modules: make(map[string]*store),
		now:     cfg.now,
		mono:    cfg.mono,
	}
	if cfg.derivedBacklog {
		r.totals = &topicMap[atomic.Uint64]{}
	}
	return r
}

// Register returns the handle of module name, creating an empty store if the
// name is not registered.
func (r *Registry) Register(name string) Handle {
	r.mu.RLock()
	s, ok := r.modules[name]
	r.mu.RUnlock()
	if ok {
		return Handle{s: s}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.modules[name]; !ok {
		s = newStore(name, r.totals, r.mono)
		r.modules[name] = s
	}
	return Handle{s: s}
}

// Unregister removes module name and reports whether it was registered.
// Handles of the removed module keep working but are no longer collected.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[name]
	delete(r.modules, name)
	return ok
}

// Modules returns the registered module names in lexical order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.modules))
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (r *Registry) lookup(name string) *store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[name]
}

// Collect builds a snapshot of every registered module. Each counter is read
// on its own, so the result is not an atomic cut across counters. Modules
// unregistered while collecting are omitted.
func (r *Registry) Collect() snapshot.Snapshot {
	names := r.Modules()
	out := snapshot.New(r.now())
	now := r.mono()
	for _, name := range names {
		s := r.lookup(name)
		if s == nil {
			continue
		}
		out.Modules[name] = s.collect(now)
	}
	return out
}
