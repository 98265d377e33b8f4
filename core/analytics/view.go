package analytics

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/lowhung/buswatch/core/snapshot"
)

// TopicView is one classified topic-direction entry of an accepted snapshot.
type TopicView struct {
	Module    string         `json:"module"`
	Topic     string         `json:"topic"`
	Direction Direction      `json:"direction"`
	Count     uint64         `json:"count"`
	Backlog   *uint64        `json:"backlog,omitempty"`
	Pending   *time.Duration `json:"pending,omitempty"`
	Rate      *float64       `json:"rate,omitempty"`
	Status    HealthStatus   `json:"status"`
}

func (t TopicView) Key() SeriesKey {
	return SeriesKey{Module: t.Module, Topic: t.Topic, Direction: t.Direction}
}

// ModuleView aggregates the entries of one module. Its status is the worst
// status among its entries.
type ModuleView struct {
	Name        string       `json:"name"`
	Status      HealthStatus `json:"status"`
	TotalReads  uint64       `json:"total_reads"`
	TotalWrites uint64       `json:"total_writes"`
	Reads       []TopicView  `json:"reads"`
	Writes      []TopicView  `json:"writes"`
}

// View is the derived state of the latest accepted snapshot. A View is never
// modified after it is published and may be shared between goroutines.
type View struct {
	TimestampMs uint64       `json:"timestamp_ms"`
	Modules     []ModuleView `json:"modules"`
	Bottlenecks []TopicView  `json:"bottlenecks"`
	Flow        *FlowGraph   `json:"flow"`
}

func (v *View) Time() time.Time { return time.UnixMilli(int64(v.TimestampMs)) }

func (v *View) Module(name string) (ModuleView, bool) {
	for _, m := range v.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleView{}, false
}

// Unhealthy counts modules whose status is not Healthy.
func (v *View) Unhealthy() int {
	n := 0
	for _, m := range v.Modules {
		if m.Status != Healthy {
			n++
		}
	}
	return n
}

func emptyView() *View {
	return &View{Modules: []ModuleView{}, Bottlenecks: []TopicView{}, Flow: BuildFlowGraph(snapshot.Snapshot{})}
}

// rateLookup returns the effective rate of one series.
type rateLookup func(key SeriesKey) *float64

func buildView(s snapshot.Snapshot, th Thresholds, rateOf rateLookup) *View {
	v := &View{
		TimestampMs: s.TimestampMs,
		Modules:     make([]ModuleView, 0, len(s.Modules)),
		Bottlenecks: []TopicView{},
		Flow:        BuildFlowGraph(s),
	}

	for _, name := range s.ModuleNames() {
		m := s.Modules[name]
		mv := ModuleView{
			Name:        name,
			TotalReads:  m.TotalReads(),
			TotalWrites: m.TotalWrites(),
			Reads:       make([]TopicView, 0, len(m.Reads)),
			Writes:      make([]TopicView, 0, len(m.Writes)),
		}
		for _, topic := range sortedKeys(m.Reads) {
			r := m.Reads[topic]
			tv := TopicView{
				Module:    name,
				Topic:     topic,
				Direction: Read,
				Count:     r.Count,
				Backlog:   r.Backlog,
				Pending:   pendingOf(r.Pending),
				Status:    th.ClassifyRead(r),
			}
			tv.Rate = rateOf(tv.Key())
			mv.Reads = append(mv.Reads, tv)
			mv.Status = Worst(mv.Status, tv.Status)
		}
		for _, topic := range sortedKeys(m.Writes) {
			w := m.Writes[topic]
			tv := TopicView{
				Module:    name,
				Topic:     topic,
				Direction: Write,
				Count:     w.Count,
				Pending:   pendingOf(w.Pending),
				Status:    th.ClassifyWrite(w),
			}
			tv.Rate = rateOf(tv.Key())
			mv.Writes = append(mv.Writes, tv)
			mv.Status = Worst(mv.Status, tv.Status)
		}
		v.Modules = append(v.Modules, mv)

		for _, tv := range slices.Concat(mv.Reads, mv.Writes) {
			if tv.Status != Healthy {
				v.Bottlenecks = append(v.Bottlenecks, tv)
			}
		}
	}

	slices.SortStableFunc(v.Modules, func(a, b ModuleView) int {
		if c := cmp.Compare(b.Status, a.Status); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(v.Bottlenecks, compareBottlenecks)
	return v
}

// compareBottlenecks orders by severity, then pending duration (longest
// first, absent last), then module, topic and direction.
func compareBottlenecks(a, b TopicView) int {
	if c := cmp.Compare(b.Status, a.Status); c != 0 {
		return c
	}
	ap, bp := time.Duration(-1), time.Duration(-1)
	if a.Pending != nil {
		ap = *a.Pending
	}
	if b.Pending != nil {
		bp = *b.Pending
	}
	if c := cmp.Compare(bp, ap); c != 0 {
		return c
	}
	if c := strings.Compare(a.Module, b.Module); c != 0 {
		return c
	}
	if c := strings.Compare(a.Topic, b.Topic); c != 0 {
		return c
	}
	return cmp.Compare(a.Direction, b.Direction)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
