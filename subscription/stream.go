package subscription

import "sync"

// Stream hands the latest value of a feed to one consumer. Publish never
// blocks: an undelivered value is replaced by the newer one, which is what
// consumers of full snapshots want.
type Stream[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewStream returns an open stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{ch: make(chan T, 1)}
}

// Publish replaces any pending value with v. It is a no-op after Close.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
}

// C returns the receive side of the stream. It is closed by Close.
func (s *Stream[T]) C() <-chan T {
	return s.ch
}

// Close closes the channel. Further calls are no-ops.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
