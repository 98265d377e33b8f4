package analytics

import (
	"sync"

	"github.com/lowhung/buswatch/core/snapshot"
)

// Direction tells reads from writes.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// SeriesKey identifies one counter across snapshots.
type SeriesKey struct {
	Module    string
	Topic     string
	Direction Direction
}

type sample struct {
	count uint64
	ts    uint64
}

// observation is the outcome of feeding one sample into a rate series.
type observation struct {
	rate  float64
	ok    bool // a rate could be computed
	reset bool // the count went backwards and became the new baseline
}

type rateSeries struct {
	prev sample
	has  bool
}

func (s *rateSeries) observe(count, ts uint64) observation {
	prev, had := s.prev, s.has
	s.prev, s.has = sample{count: count, ts: ts}, true
	switch {
	case !had:
		return observation{}
	case count < prev.count:
		return observation{reset: true}
	case ts <= prev.ts:
		return observation{}
	default:
		secs := float64(ts-prev.ts) / 1000
		return observation{rate: float64(count-prev.count) / secs, ok: true}
	}
}

// RateTracker derives per-second rates from successive snapshots. It is the
// rate half of the Engine, usable on its own by exporters. Safe for
// concurrent use.
type RateTracker struct {
	mu     sync.Mutex
	series map[SeriesKey]*rateSeries
	lastTs uint64
}

func NewRateTracker() *RateTracker {
	return &RateTracker{series: make(map[SeriesKey]*rateSeries)}
}

// Annotate returns a copy of s whose entries carry a rate wherever one can be
// computed against the previous annotated snapshot. Entries without a prior
// sample keep whatever rate s already carried. A snapshot that is not newer
// than the previous one is returned unchanged and does not move the baseline.
// Series absent from s are forgotten.
func (rt *RateTracker) Annotate(s snapshot.Snapshot) snapshot.Snapshot {
	out := s.Clone()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if s.TimestampMs <= rt.lastTs {
		return out
	}
	rt.lastTs = s.TimestampMs

	seen := make(map[SeriesKey]struct{}, len(rt.series))
	for name, m := range out.Modules {
		for topic, r := range m.Reads {
			key := SeriesKey{Module: name, Topic: topic, Direction: Read}
			seen[key] = struct{}{}
			if o := rt.observe(key, r.Count, s.TimestampMs); o.ok {
				m.Reads[topic] = r.WithRate(o.rate)
			}
		}
		for topic, w := range m.Writes {
			key := SeriesKey{Module: name, Topic: topic, Direction: Write}
			seen[key] = struct{}{}
			if o := rt.observe(key, w.Count, s.TimestampMs); o.ok {
				m.Writes[topic] = w.WithRate(o.rate)
			}
		}
	}
	for key := range rt.series {
		if _, ok := seen[key]; !ok {
			delete(rt.series, key)
		}
	}
	return out
}

// Len returns the number of tracked series.
func (rt *RateTracker) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.series)
}

func (rt *RateTracker) observe(key SeriesKey, count, ts uint64) observation {
	s, ok := rt.series[key]
	if !ok {
		s = &rateSeries{}
		rt.series[key] = s
	}
	return s.observe(count, ts)
}
