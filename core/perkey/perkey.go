// Package perkey runs work on per-key lanes. Each key owns one goroutine
// that executes at most one task at a time, and a key that is still busy
// refuses new work instead of queueing it. The emitter keys lanes by sink, so
// a slow sink never has more than one send outstanding while the others keep
// their pace.
package perkey

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned when work is offered after Close.
	ErrClosed = errors.New("perkey: lanes closed")
	// ErrBusy is returned by TryGo while the key's previous task runs.
	ErrBusy = errors.New("perkey: key busy")
)

// Lanes maps keys to their lane goroutines. Lanes are started on first use
// and live until Close.
type Lanes[K comparable] struct {
	mu     sync.Mutex
	lanes  map[K]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	work chan task
	busy atomic.Bool
}

type task struct {
	fn   func() error
	done chan<- error
}

func New[K comparable]() *Lanes[K] {
	return &Lanes[K]{lanes: make(map[K]*lane)}
}

// TryGo starts fn on the lane of key, or returns ErrBusy if that lane has not
// finished its previous task. The returned channel receives fn's result
// exactly once. fn must not panic.
func (l *Lanes[K]) TryGo(key K, fn func() error) (<-chan error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{work: make(chan task, 1)}
		l.lanes[key] = ln
		l.wg.Add(1)
		go l.run(ln)
	}
	if !ln.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}

	done := make(chan error, 1)
	// an idle lane always has room
	ln.work <- task{fn: fn, done: done}
	return done, nil
}

// Busy reports whether key has a task running.
func (l *Lanes[K]) Busy(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[key]
	return ok && ln.busy.Load()
}

// Len returns the number of lanes started so far.
func (l *Lanes[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close refuses further work and waits until running tasks finish or ctx is
// done. Calling it again only waits.
func (l *Lanes[K]) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, ln := range l.lanes {
			close(ln.work)
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lanes[K]) run(ln *lane) {
	defer l.wg.Done()
	for t := range ln.work {
		err := t.fn()
		ln.busy.Store(false)
		t.done <- err
	}
}
