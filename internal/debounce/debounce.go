// Package debounce coalesces bursts of keyed values into a single call per key.
package debounce

import (
	"sync"
	"time"
)

type pending[V comparable] struct {
	timer *time.Timer
	value V
	gen   uint64
}

// Debouncer delays fn(key, value) until wait has passed without a newer Push for
// the same key. A value equal to the last one delivered for its key is dropped.
type Debouncer[K comparable, V comparable] struct {
	wait time.Duration
	fn   func(K, V)

	mu      sync.Mutex
	pending map[K]*pending[V]
	last    map[K]V
	gen     uint64
	closed  bool
	running sync.WaitGroup
}

// New creates a debouncer that calls fn on its own goroutine after wait
func New[K comparable, V comparable](wait time.Duration, fn func(K, V)) *Debouncer[K, V] {
	return &Debouncer[K, V]{
		wait:    wait,
		fn:      fn,
		pending: make(map[K]*pending[V]),
		last:    make(map[K]V),
	}
}

// Push records value as the latest for key and restarts the key's quiet period
func (d *Debouncer[K, V]) Push(key K, value V) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.gen++
	gen := d.gen
	p := &pending[V]{value: value, gen: gen}
	p.timer = time.AfterFunc(d.wait, func() { d.fire(key, gen) })
	d.pending[key] = p
}

func (d *Debouncer[K, V]) fire(key K, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)

	if last, seen := d.last[key]; seen && last == p.value {
		d.mu.Unlock()
		return
	}
	d.last[key] = p.value
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	d.fn(key, p.value)
}

// Cancel drops a pending value for key without delivering it
func (d *Debouncer[K, V]) Cancel(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Mark records value as already delivered for key, so an equal Push is suppressed
func (d *Debouncer[K, V]) Mark(key K, value V) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last[key] = value
}

// Forget clears the delivered value for key
func (d *Debouncer[K, V]) Forget(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, key)
}

// Pending reports whether key has a value waiting for its quiet period
func (d *Debouncer[K, V]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Close stops all timers, discards pending values and waits for running calls
func (d *Debouncer[K, V]) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	d.running.Wait()
}
