// Package ds provides small generic containers.
package ds

import (
	"cmp"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
)

type StringSet = Set[string]

// Set keeps unique elements in insertion order, so iteration over a set built
// from sorted input is deterministic.
type Set[T comparable] struct {
	items map[T]struct{}
	order []T
}

func NewSet[T comparable](items ...T) *Set[T] {
	s := &Set[T]{items: make(map[T]struct{}, len(items)), order: make([]T, 0, len(items))}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

func NewStringSet(items ...string) *StringSet { return NewSet(items...) }

func (s *Set[T]) String() string { return fmt.Sprintf("%v", s.order) }

// Add inserts v and reports whether it was new.
func (s *Set[T]) Add(v T) bool {
	if s.Contains(v) {
		return false
	}
	s.items[v] = struct{}{}
	s.order = append(s.order, v)
	return true
}

func (s *Set[T]) Contains(v T) bool {
	_, ok := s.items[v]
	return ok
}

func (s *Set[T]) Len() int { return len(s.items) }

func (s *Set[T]) IsEmpty() bool { return len(s.items) == 0 }

// Remove deletes vs from the set, keeping the order of the rest.
func (s *Set[T]) Remove(vs ...T) {
	n := len(s.items)
	for _, v := range vs {
		delete(s.items, v)
	}
	if len(s.items) == n {
		return
	}
	s.order = slices.DeleteFunc(s.order, func(v T) bool { return !s.Contains(v) })
}

// Merge adds every element of other, in other's order.
func (s *Set[T]) Merge(other *Set[T]) {
	if other == nil {
		return
	}
	for _, v := range other.order {
		s.Add(v)
	}
}

func (s *Set[T]) Copy() *Set[T] { return NewSet(s.order...) }

func (s *Set[T]) ForEach(fn func(T)) {
	for _, v := range s.order {
		fn(v)
	}
}

// All iterates in insertion order.
func (s *Set[T]) All() iter.Seq[T] { return slices.Values(s.order) }

// Values returns a copy of the elements in insertion order.
func (s *Set[T]) Values() []T { return slices.Clone(s.order) }

func (s *Set[T]) MarshalJSON() ([]byte, error) { return json.Marshal(s.order) }

func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var vs []T
	if err := json.Unmarshal(data, &vs); err != nil {
		return err
	}
	*s = *NewSet(vs...)
	return nil
}

// Sorted returns the elements of s in ascending order.
func Sorted[T cmp.Ordered](s *Set[T]) []T {
	out := s.Values()
	slices.Sort(out)
	return out
}
