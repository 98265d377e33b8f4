package instrument

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

// topicMap is a copy-on-write map from topic to counter. Lookups of existing
// topics are lock-free; inserts serialize on mu and publish a new map.
type topicMap[T any] struct {
	mu sync.Mutex
	p  atomic.Pointer[map[string]*T]
}

func (m *topicMap[T]) get(topic string) *T {
	if p := m.p.Load(); p != nil {
		if c, ok := (*p)[topic]; ok {
			return c
		}
	}
	return m.insert(topic)
}

func (m *topicMap[T]) insert(topic string) *T {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur map[string]*T
	if p := m.p.Load(); p != nil {
		cur = *p
		if c, ok := cur[topic]; ok {
			return c
		}
	}
	next := make(map[string]*T, len(cur)+1)
	maps.Copy(next, cur)
	c := new(T)
	next[topic] = c
	m.p.Store(&next)
	return c
}

// lookup returns the counter for topic without creating it.
func (m *topicMap[T]) lookup(topic string) (*T, bool) {
	p := m.p.Load()
	if p == nil {
		return nil, false
	}
	c, ok := (*p)[topic]
	return c, ok
}

// view returns the current map. Callers must not modify it.
func (m *topicMap[T]) view() map[string]*T {
	if p := m.p.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *topicMap[T]) topics() []string {
	return slices.Sorted(maps.Keys(m.view()))
}

// store holds the counters of one module incarnation.
type store struct {
	name   string
	reads  topicMap[readCounter]
	writes topicMap[writeCounter]
	totals *topicMap[atomic.Uint64] // shared across modules; nil unless derived backlog is on
	mono   func() int64
}

func newStore(name string, totals *topicMap[atomic.Uint64], mono func() int64) *store {
	return &store{name: name, totals: totals, mono: mono}
}

func (s *store) collect(now int64) snapshot.ModuleMetrics {
	out := snapshot.NewModuleMetrics()

	for topic, c := range s.reads.view() {
		r := snapshot.ReadMetrics{Count: c.count.Load()}
		if b, ok := c.backlogValue(); ok {
			r = r.WithBacklog(b)
		} else if s.totals != nil {
			if total, ok := s.totals.lookup(topic); ok {
				if written := total.Load(); written > r.Count {
					r = r.WithBacklog(written - r.Count)
				}
			}
		}
		if d, ok := c.pending.duration(now); ok {
			r = r.WithPending(d)
		}
		out.Reads[topic] = r
	}

	for topic, c := range s.writes.view() {
		w := snapshot.WriteMetrics{Count: c.count.Load()}
		if d, ok := c.pending.duration(now); ok {
			w = w.WithPending(d)
		}
		out.Writes[topic] = w
	}

	return out
}

// monoAt converts a wall clock instant into the store's monotonic scale.
// Instants before the epoch map to negative values; only 0 is reserved.
func (s *store) monoAt(t time.Time) int64 {
	v := s.mono() - int64(time.Since(t))
	if v == 0 {
		v = -1
	}
	return v
}
