// Package lazy provides compute-once cells for values derived from an
// immutable dump. A cell is populated by the first caller; concurrent
// callers wait for that result instead of computing their own, and the
// result (including an error) is never recomputed.
package lazy

import (
	"sync"

	"go.uber.org/atomic"
)

// Value is a write-once cell. The zero value is ready to use.
type Value[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	v    T
	err  error
}

// Get returns the cached result, calling compute if the cell is empty.
func (c *Value[T]) Get(compute func() (T, error)) (T, error) {
	if c.done.Load() {
		return c.v, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done.Load() {
		c.v, c.err = compute()
		c.done.Store(true)
	}
	return c.v, c.err
}

// Done reports whether the cell has been populated.
func (c *Value[T]) Done() bool {
	return c.done.Load()
}

// Map holds one Value per key.
type Map[K comparable, V any] struct {
	mu    sync.Mutex
	cells map[K]*Value[V]
}

// Get returns the cached result for key, computing it at most once.
func (m *Map[K, V]) Get(key K, compute func() (V, error)) (V, error) {
	return m.cell(key).Get(compute)
}

// Done reports whether key has been populated.
func (m *Map[K, V]) Done(key K) bool {
	m.mu.Lock()
	c, ok := m.cells[key]
	m.mu.Unlock()
	return ok && c.Done()
}

func (m *Map[K, V]) cell(key K) *Value[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cells == nil {
		m.cells = make(map[K]*Value[V])
	}
	c, ok := m.cells[key]
	if !ok {
		c = new(Value[V])
		m.cells[key] = c
	}
	return c
}
