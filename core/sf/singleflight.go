package sf

import "golang.org/x/sync/singleflight"

// Group coalesces concurrent calls that share a key into one execution.
type Group[T any] struct {
	g singleflight.Group
}

func New[T any]() *Group[T] { return &Group[T]{} }

// Do runs fn unless a call for key is already running, in which case it
// waits for that call and returns its result. shared reports whether the
// result was handed to more than one caller.
func (g *Group[T]) Do(key string, fn func() (T, error)) (v T, shared bool, err error) {
	out, err, shared := g.g.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, shared, err
	}
	return out.(T), shared, nil
}

// Forget makes the next Do for key run fn even if a call is in flight.
func (g *Group[T]) Forget(key string) { g.g.Forget(key) }
