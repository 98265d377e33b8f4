package analytics

// Ring is a fixed-capacity FIFO that evicts its oldest element on overflow.
type Ring[T any] struct {
	buf   []T
	start int
	n     int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

func (r *Ring[T]) Push(v T) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring[T]) Len() int { return r.n }

func (r *Ring[T]) Cap() int { return len(r.buf) }

// Values returns the elements oldest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, r.n)
	for i := range r.n {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

func (r *Ring[T]) Reset() {
	clear(r.buf)
	r.start, r.n = 0, 0
}

// Sparkline turns consecutive counts into deltas scaled to levels 0..7.
// Fewer than two samples yield nil.
func Sparkline(counts []uint64) []uint8 {
	if len(counts) < 2 {
		return nil
	}
	deltas := make([]int64, len(counts)-1)
	lo, hi := int64(0), int64(1)
	for i := 1; i < len(counts); i++ {
		d := int64(counts[i] - counts[i-1])
		if counts[i] < counts[i-1] {
			d = -int64(counts[i-1] - counts[i])
		}
		deltas[i-1] = d
		lo, hi = min(lo, d), max(hi, d)
	}
	span := float64(hi - lo)
	out := make([]uint8, len(deltas))
	for i, d := range deltas {
		out[i] = min(uint8(float64(d-lo)/span*7), 7)
	}
	return out
}
