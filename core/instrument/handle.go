package instrument

import "time"

// Handle records activity for one module. Handles are small values; copies
// share the same counters and may be used from any number of goroutines.
// Methods on the zero Handle do nothing.
type Handle struct {
	s *store
}

// Name returns the module name, or "" for the zero Handle.
func (h Handle) Name() string {
	if h.s == nil {
		return ""
	}
	return h.s.name
}

// Valid reports whether h was obtained from a Registry.
func (h Handle) Valid() bool { return h.s != nil }

// RecordRead adds n to the read count of topic.
func (h Handle) RecordRead(topic string, n uint64) {
	if h.s == nil {
		return
	}
	addSaturating(&h.s.reads.get(topic).count, n)
}

// RecordWrite adds n to the write count of topic.
func (h Handle) RecordWrite(topic string, n uint64) {
	if h.s == nil {
		return
	}
	addSaturating(&h.s.writes.get(topic).count, n)
	if h.s.totals != nil {
		addSaturating(h.s.totals.get(topic), n)
	}
}

// SetBacklog overwrites the backlog gauge of topic.
func (h Handle) SetBacklog(topic string, v uint64) {
	if h.s == nil {
		return
	}
	h.s.reads.get(topic).setBacklog(v)
}

// ClearBacklog removes the backlog gauge of topic.
func (h Handle) ClearBacklog(topic string) {
	if h.s == nil {
		return
	}
	h.s.reads.get(topic).backlog.Store(0)
}

// StartRead marks topic as waiting for a message.
func (h Handle) StartRead(topic string) PendingGuard {
	if h.s == nil {
		return PendingGuard{}
	}
	return h.start(&h.s.reads.get(topic).pending)
}

// StartWrite marks topic as waiting to publish.
func (h Handle) StartWrite(topic string) PendingGuard {
	if h.s == nil {
		return PendingGuard{}
	}
	return h.start(&h.s.writes.get(topic).pending)
}

func (h Handle) start(cell *pendingCell) PendingGuard {
	return PendingGuard{cell: cell, anchor: cell.start(h.s.mono()), mono: h.s.mono}
}

// SetReadPending marks topic as waiting since the given instant, replacing
// any outstanding marker.
func (h Handle) SetReadPending(topic string, since time.Time) {
	if h.s == nil {
		return
	}
	h.s.reads.get(topic).pending.since.Store(h.s.monoAt(since))
}

// SetWritePending is the write-side counterpart of SetReadPending.
func (h Handle) SetWritePending(topic string, since time.Time) {
	if h.s == nil {
		return
	}
	h.s.writes.get(topic).pending.since.Store(h.s.monoAt(since))
}

// ClearReadPending drops both the outstanding marker and the last observed
// read pending duration of topic.
func (h Handle) ClearReadPending(topic string) {
	if h.s == nil {
		return
	}
	h.s.reads.get(topic).pending.clear()
}

// ClearWritePending is the write-side counterpart of ClearReadPending.
func (h Handle) ClearWritePending(topic string) {
	if h.s == nil {
		return
	}
	h.s.writes.get(topic).pending.clear()
}
