package analytics

import (
	"sync"
	"sync/atomic"

	"github.com/lowhung/buswatch/core/snapshot"
)

const (
	DefaultHistorySize = 60
	DefaultEvictAfter  = 30
)

type Options struct {
	// Thresholds classify entries. The zero value selects DefaultThresholds.
	Thresholds Thresholds
	// EvictAfter is the number of accepted snapshots a series may be absent
	// before its history is dropped.
	EvictAfter int
	// HistorySize is the number of samples kept per series.
	HistorySize int
}

type series struct {
	rate    rateSeries
	history *Ring[uint64]
	current *float64
	seen    uint64
}

type moduleSeries struct {
	reads  *Ring[uint64]
	writes *Ring[uint64]
	seen   uint64
}

// Engine turns a stream of snapshots into rates, history, health, bottlenecks
// and the module flow graph. Ingest is serialized internally; View may be
// called from any goroutine.
type Engine struct {
	thresholds  Thresholds
	evictAfter  uint64
	historySize int

	mu       sync.RWMutex
	accepted uint64 // number of accepted snapshots
	lastTs   uint64
	series   map[SeriesKey]*series
	modules  map[string]*moduleSeries

	view atomic.Pointer[View]
}

func NewEngine(opts Options) *Engine {
	if opts.Thresholds.IsZero() {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = DefaultEvictAfter
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	e := &Engine{
		thresholds:  opts.Thresholds,
		evictAfter:  uint64(opts.EvictAfter),
		historySize: opts.HistorySize,
		series:      make(map[SeriesKey]*series),
		modules:     make(map[string]*moduleSeries),
	}
	e.view.Store(emptyView())
	return e
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Ingest accepts s if its timestamp is after the last accepted one and
// reports whether it did. Rejected snapshots leave the engine untouched.
func (e *Engine) Ingest(s snapshot.Snapshot) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.accepted > 0 && s.TimestampMs <= e.lastTs {
		return false
	}
	e.accepted++
	e.lastTs = s.TimestampMs
	gen := e.accepted

	for name, m := range s.Modules {
		ms := e.moduleSeries(name)
		ms.seen = gen
		ms.reads.Push(m.TotalReads())
		ms.writes.Push(m.TotalWrites())

		for topic, r := range m.Reads {
			e.observe(SeriesKey{Module: name, Topic: topic, Direction: Read}, r.Count, r.Rate, s.TimestampMs, gen)
		}
		for topic, w := range m.Writes {
			e.observe(SeriesKey{Module: name, Topic: topic, Direction: Write}, w.Count, w.Rate, s.TimestampMs, gen)
		}
	}
	e.evict(gen)

	e.view.Store(buildView(s, e.thresholds, func(key SeriesKey) *float64 {
		return e.series[key].current
	}))
	return true
}

// IngestBytes decodes b with snapshot.Decode and ingests the result.
func (e *Engine) IngestBytes(b []byte) (bool, error) {
	s, err := snapshot.Decode(b)
	if err != nil {
		return false, err
	}
	return e.Ingest(s), nil
}

func (e *Engine) observe(key SeriesKey, count uint64, provided *float64, ts, gen uint64) {
	ser, ok := e.series[key]
	if !ok {
		ser = &series{history: NewRing[uint64](e.historySize)}
		e.series[key] = ser
	}
	ser.seen = gen

	o := ser.rate.observe(count, ts)
	switch {
	case o.ok:
		rate := o.rate
		ser.current = &rate
	case o.reset:
		ser.history.Reset()
		ser.current = nil
	default:
		ser.current = provided
	}
	ser.history.Push(count)
}

func (e *Engine) moduleSeries(name string) *moduleSeries {
	ms, ok := e.modules[name]
	if !ok {
		ms = &moduleSeries{reads: NewRing[uint64](e.historySize), writes: NewRing[uint64](e.historySize)}
		e.modules[name] = ms
	}
	return ms
}

func (e *Engine) evict(gen uint64) {
	for key, ser := range e.series {
		if gen-ser.seen >= e.evictAfter {
			delete(e.series, key)
		}
	}
	for name, ms := range e.modules {
		if gen-ms.seen >= e.evictAfter {
			delete(e.modules, name)
		}
	}
}

// View returns the state derived from the latest accepted snapshot, or an
// empty view before the first one.
func (e *Engine) View() *View { return e.view.Load() }

func (e *Engine) Bottlenecks() []TopicView { return e.View().Bottlenecks }

func (e *Engine) Flow() *FlowGraph { return e.View().Flow }

// LastTimestamp returns the timestamp of the last accepted snapshot.
func (e *Engine) LastTimestamp() (uint64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastTs, e.accepted > 0
}

// Rate returns the current rate of a series, if one is known.
func (e *Engine) Rate(key SeriesKey) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.series[key]
	if !ok || ser.current == nil {
		return 0, false
	}
	return *ser.current, true
}

// History returns the retained counts of a series, oldest first.
func (e *Engine) History(key SeriesKey) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.series[key]
	if !ok {
		return nil
	}
	return ser.history.Values()
}

func (e *Engine) Sparkline(key SeriesKey) []uint8 { return Sparkline(e.History(key)) }

// ModuleSparkline renders the history of a module's total reads or writes.
func (e *Engine) ModuleSparkline(module string, dir Direction) []uint8 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ms, ok := e.modules[module]
	if !ok {
		return nil
	}
	if dir == Write {
		return Sparkline(ms.writes.Values())
	}
	return Sparkline(ms.reads.Values())
}

// Series returns the number of tracked series.
func (e *Engine) Series() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.series)
}
