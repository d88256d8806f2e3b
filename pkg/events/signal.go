// Package events provides typed, synchronous signals.
//
// A Signal delivers every emitted value to its listeners in connection order
// on the emitting goroutine. Components that mutate the data model emit on the
// UI loop, so listeners never need their own locking.
package events

import "sync"

// Listener receives the value of an emitted signal.
type Listener[T any] func(T)

// Signal is a typed event source. The zero value is ready to use.
type Signal[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []entry[T]
}

type entry[T any] struct {
	id int
	fn Listener[T]
}

// Connect registers fn and returns a function that removes it again.
func (s *Signal[T]) Connect(fn Listener[T]) (disconnect func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, entry[T]{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every listener with v. Listeners connected or disconnected
// during delivery take effect on the next Emit.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	listeners := make([]entry[T], len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, e := range listeners {
		e.fn(v)
	}
}

// Len returns the number of connected listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Group collects disconnect functions so a subscriber can detach from many
// signals at once.
type Group struct {
	disconnects []func()
}

// Add records a disconnect function returned by Connect.
func (g *Group) Add(disconnect func()) {
	g.disconnects = append(g.disconnects, disconnect)
}

// DisconnectAll detaches every recorded listener.
func (g *Group) DisconnectAll() {
	for _, d := range g.disconnects {
		d()
	}
	g.disconnects = nil
}
