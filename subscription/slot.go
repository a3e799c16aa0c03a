package subscription

import "sync"

// Slot is a single-slot holder: storing a handle releases the one it replaces.
type Slot struct {
	mu      sync.Mutex
	current *Handle
}

// Replace cancels the held handle, if any, and then stores next.
func (s *Slot) Replace(next *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.Cancel()
	s.current = next
}

// Release cancels and clears the held handle.
func (s *Slot) Release() {
	s.Replace(nil)
}

// ReleaseIf cancels and clears the held handle only if it is h.
func (s *Slot) ReleaseIf(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.current != h {
		return false
	}
	s.current.Cancel()
	s.current = nil
	return true
}

// Active reports whether the slot holds a handle that has not been cancelled.
func (s *Slot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.current != nil && !s.current.Cancelled()
}
