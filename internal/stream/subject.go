// Package stream provides hot, replay-latest state streams.
//
// A Subject always holds a current value. Subscribers receive that value
// immediately and then every later value; a slow subscriber only ever sees
// the most recent one (intermediate states are conflated, never queued).
package stream

import "sync"

// Subject is a hot stream that replays its latest value to new subscribers
type Subject[T any] struct {
	mu     sync.RWMutex
	value  T
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

// NewSubject creates a subject holding initial
func NewSubject[T any](initial T) *Subject[T] {
	return &Subject[T]{
		value: initial,
		subs:  make(map[uint64]chan T),
	}
}

// Value returns the latest value
func (s *Subject[T]) Value() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Publish replaces the latest value and fans it out to subscribers
func (s *Subject[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.value = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
}

// Subscribe returns a channel primed with the current value and a cancel func.
// The channel is closed when cancel is called or the subject is closed.
func (s *Subject[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.value

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Close closes every subscriber channel; later publishes are ignored
func (s *Subject[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// offer delivers v, dropping a stale undelivered value if the buffer is full.
// Callers hold the subject lock, so offers to one channel never race.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// CombineLatest derives a subject from a and b. It recomputes on every change of
// either source until stop is called.
func CombineLatest[A, B, R any](a *Subject[A], b *Subject[B], fn func(A, B) R) (*Subject[R], func()) {
	out := NewSubject(fn(a.Value(), b.Value()))

	aCh, cancelA := a.Subscribe()
	bCh, cancelB := b.Subscribe()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		av, bv := a.Value(), b.Value()
		for {
			select {
			case v, ok := <-aCh:
				if !ok {
					return
				}
				av = v
			case v, ok := <-bCh:
				if !ok {
					return
				}
				bv = v
			case <-done:
				return
			}
			out.Publish(fn(av, bv))
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			cancelA()
			cancelB()
			wg.Wait()
			out.Close()
		})
	}
	return out, stop
}
