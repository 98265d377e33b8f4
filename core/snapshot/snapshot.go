package snapshot

import (
	"math"
	"slices"
	"strconv"
	"time"
)

// SchemaMajor is the wire schema major version produced and accepted by this package.
const SchemaMajor uint32 = 1

// SchemaVersion is embedded in every snapshot so consumers can detect format changes.
type SchemaVersion struct {
	Major uint32 `json:"major" cbor:"0,keyasint"`
	Minor uint32 `json:"minor" cbor:"1,keyasint"`
}

// CurrentVersion returns the version written by this package.
func CurrentVersion() SchemaVersion { return SchemaVersion{Major: SchemaMajor} }

// IsCompatible reports whether v can be decoded by this package.
func (v SchemaVersion) IsCompatible() bool { return v.Major == SchemaMajor }

func (v SchemaVersion) String() string {
	return strconv.FormatUint(uint64(v.Major), 10) + "." + strconv.FormatUint(uint64(v.Minor), 10)
}

// Microseconds is a duration carried on the wire as whole microseconds.
type Microseconds uint64

// MicrosecondsOf truncates d to microseconds. Negative durations become zero.
func MicrosecondsOf(d time.Duration) Microseconds {
	if d < 0 {
		return 0
	}
	return Microseconds(d / time.Microsecond)
}

// Duration converts m, saturating at the largest time.Duration.
func (m Microseconds) Duration() time.Duration {
	if m > math.MaxInt64/Microseconds(time.Microsecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(m) * time.Microsecond
}

func (m Microseconds) String() string { return m.Duration().String() }

// Snapshot is a point-in-time view of all registered modules.
type Snapshot struct {
	Version     SchemaVersion            `json:"version" cbor:"0,keyasint"`
	TimestampMs uint64                   `json:"timestamp_ms" cbor:"1,keyasint"`
	Modules     map[string]ModuleMetrics `json:"modules" cbor:"2,keyasint"`
}

// New returns an empty snapshot stamped with the current version and the given time.
func New(ts time.Time) Snapshot {
	return Snapshot{
		Version:     CurrentVersion(),
		TimestampMs: uint64(ts.UnixMilli()),
		Modules:     make(map[string]ModuleMetrics),
	}
}

// Time returns the snapshot timestamp as a time.Time.
func (s Snapshot) Time() time.Time { return time.UnixMilli(int64(s.TimestampMs)) }

func (s Snapshot) IsEmpty() bool { return len(s.Modules) == 0 }

func (s Snapshot) Len() int { return len(s.Modules) }

// Get returns the metrics for module name.
func (s Snapshot) Get(name string) (ModuleMetrics, bool) {
	m, ok := s.Modules[name]
	return m, ok
}

// ModuleNames returns the module names in lexical order.
func (s Snapshot) ModuleNames() []string {
	names := make([]string, 0, len(s.Modules))
	for name := range s.Modules {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TotalReads sums read counts across all modules and topics.
func (s Snapshot) TotalReads() uint64 {
	var n uint64
	for _, m := range s.Modules {
		n += m.TotalReads()
	}
	return n
}

// TotalWrites sums write counts across all modules and topics.
func (s Snapshot) TotalWrites() uint64 {
	var n uint64
	for _, m := range s.Modules {
		n += m.TotalWrites()
	}
	return n
}

// Clone returns a deep copy that shares no maps or pointers with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version:     s.Version,
		TimestampMs: s.TimestampMs,
		Modules:     make(map[string]ModuleMetrics, len(s.Modules)),
	}
	for name, m := range s.Modules {
		out.Modules[name] = m.Clone()
	}
	return out
}

// ModuleMetrics holds per-topic read and write metrics of one module.
type ModuleMetrics struct {
	Reads  map[string]ReadMetrics  `json:"reads" cbor:"0,keyasint"`
	Writes map[string]WriteMetrics `json:"writes" cbor:"1,keyasint"`
}

// NewModuleMetrics returns module metrics with empty, non-nil maps.
func NewModuleMetrics() ModuleMetrics {
	return ModuleMetrics{
		Reads:  make(map[string]ReadMetrics),
		Writes: make(map[string]WriteMetrics),
	}
}

func (m ModuleMetrics) IsEmpty() bool { return len(m.Reads) == 0 && len(m.Writes) == 0 }

func (m ModuleMetrics) TotalReads() uint64 {
	var n uint64
	for _, r := range m.Reads {
		n += r.Count
	}
	return n
}

func (m ModuleMetrics) TotalWrites() uint64 {
	var n uint64
	for _, w := range m.Writes {
		n += w.Count
	}
	return n
}

func (m ModuleMetrics) Clone() ModuleMetrics {
	out := ModuleMetrics{
		Reads:  make(map[string]ReadMetrics, len(m.Reads)),
		Writes: make(map[string]WriteMetrics, len(m.Writes)),
	}
	for topic, r := range m.Reads {
		out.Reads[topic] = r.clone()
	}
	for topic, w := range m.Writes {
		out.Writes[topic] = w.clone()
	}
	return out
}

// ReadMetrics describes consumption of one topic. Backlog and Pending are
// independent optional values; either, both or neither may be present.
type ReadMetrics struct {
	Count   uint64        `json:"count" cbor:"0,keyasint"`
	Backlog *uint64       `json:"backlog,omitempty" cbor:"1,keyasint,omitempty"`
	Pending *Microseconds `json:"pending,omitempty" cbor:"2,keyasint,omitempty"`
	Rate    *float64      `json:"rate,omitempty" cbor:"3,keyasint,omitempty"`
}

func (r ReadMetrics) WithBacklog(v uint64) ReadMetrics {
	r.Backlog = &v
	return r
}

func (r ReadMetrics) WithPending(d time.Duration) ReadMetrics {
	us := MicrosecondsOf(d)
	r.Pending = &us
	return r
}

func (r ReadMetrics) WithRate(v float64) ReadMetrics {
	r.Rate = &v
	return r
}

// IsHealthy reports whether backlog and pending, when present, are within the limits.
func (r ReadMetrics) IsHealthy(maxBacklog uint64, maxPending Microseconds) bool {
	if r.Backlog != nil && *r.Backlog > maxBacklog {
		return false
	}
	return r.Pending == nil || *r.Pending <= maxPending
}

func (r ReadMetrics) clone() ReadMetrics {
	out := ReadMetrics{Count: r.Count}
	if r.Backlog != nil {
		out = out.WithBacklog(*r.Backlog)
	}
	if r.Pending != nil {
		p := *r.Pending
		out.Pending = &p
	}
	if r.Rate != nil {
		out = out.WithRate(*r.Rate)
	}
	return out
}

// WriteMetrics describes production to one topic.
type WriteMetrics struct {
	Count   uint64        `json:"count" cbor:"0,keyasint"`
	Pending *Microseconds `json:"pending,omitempty" cbor:"1,keyasint,omitempty"`
	Rate    *float64      `json:"rate,omitempty" cbor:"2,keyasint,omitempty"`
}

func (w WriteMetrics) WithPending(d time.Duration) WriteMetrics {
	us := MicrosecondsOf(d)
	w.Pending = &us
	return w
}

func (w WriteMetrics) WithRate(v float64) WriteMetrics {
	w.Rate = &v
	return w
}

// IsHealthy reports whether pending, when present, is within the limit.
func (w WriteMetrics) IsHealthy(maxPending Microseconds) bool {
	return w.Pending == nil || *w.Pending <= maxPending
}

func (w WriteMetrics) clone() WriteMetrics {
	out := WriteMetrics{Count: w.Count}
	if w.Pending != nil {
		p := *w.Pending
		out.Pending = &p
	}
	if w.Rate != nil {
		out = out.WithRate(*w.Rate)
	}
	return out
}
