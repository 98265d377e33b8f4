package instrument

import (
	"math"
	"sync/atomic"
	"time"
)

// epoch anchors the monotonic timestamps stored in pending cells.
var epoch = time.Now()

// monoNow returns nanoseconds since epoch plus one, so zero can mean "unset".
func monoNow() int64 { return int64(time.Since(epoch)) + 1 }

// pendingCell tracks one outstanding wait and the last completed one.
type pendingCell struct {
	since atomic.Int64 // monotonic ns of the earliest outstanding start, 0 when idle
	last  atomic.Int64 // last observed duration in ns plus one, 0 when never observed
}

func (p *pendingCell) start(now int64) int64 {
	for {
		if cur := p.since.Load(); cur != 0 {
			return cur
		}
		if p.since.CompareAndSwap(0, now) {
			return now
		}
	}
}

func (p *pendingCell) finish(anchor, now int64) bool {
	if !p.since.CompareAndSwap(anchor, 0) {
		return false
	}
	d := now - anchor
	if d < 0 {
		d = 0
	}
	p.last.Store(d + 1)
	return true
}

func (p *pendingCell) clear() {
	p.since.Store(0)
	p.last.Store(0)
}

// duration returns the in-flight wait if one is outstanding, else the last
// completed wait.
func (p *pendingCell) duration(now int64) (time.Duration, bool) {
	if since := p.since.Load(); since != 0 {
		d := now - since
		if d < 0 {
			d = 0
		}
		return time.Duration(d), true
	}
	if last := p.last.Load(); last != 0 {
		return time.Duration(last - 1), true
	}
	return 0, false
}

type readCounter struct {
	count   atomic.Uint64
	backlog atomic.Uint64 // value plus one, 0 when unset
	pending pendingCell
}

func (c *readCounter) setBacklog(v uint64) {
	if v == math.MaxUint64 {
		v--
	}
	c.backlog.Store(v + 1)
}

func (c *readCounter) backlogValue() (uint64, bool) {
	v := c.backlog.Load()
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

type writeCounter struct {
	count   atomic.Uint64
	pending pendingCell
}

// addSaturating adds n to c, pinning the counter at MaxUint64 instead of wrapping.
func addSaturating(c *atomic.Uint64, n uint64) {
	for {
		old := c.Load()
		next := old + n
		if next < old {
			next = math.MaxUint64
		}
		if next == old || c.CompareAndSwap(old, next) {
			return
		}
	}
}

// PendingGuard measures one pending interval. Release it on every exit path,
// typically with defer. The zero value is a no-op guard.
type PendingGuard struct {
	cell   *pendingCell
	anchor int64
	mono   func() int64
}

// Release stores the elapsed time as the last observed pending duration and
// clears the pending marker. It does nothing if the marker no longer belongs
// to this guard's interval, so repeated releases are harmless.
func (g PendingGuard) Release() {
	if g.cell == nil {
		return
	}
	g.cell.finish(g.anchor, g.mono())
}

// Since returns how long this guard's interval has been running.
func (g PendingGuard) Since() time.Duration {
	if g.cell == nil {
		return 0
	}
	return time.Duration(g.mono() - g.anchor)
}
