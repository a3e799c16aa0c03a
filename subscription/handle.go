// Package subscription owns the lifecycle of live query subscriptions.
//
// A Registry holds at most one subscription per (resource, owner) key.
// Installing a new subscription for a key always cancels the previous one
// first, so two listeners for the same logical resource never coexist.
package subscription

import (
	"fmt"
	"sync"
)

// CancelFunc releases a subscription.
type CancelFunc func()

// Handle wraps a CancelFunc so that it runs at most once.
type Handle struct {
	once   sync.Once
	cancel CancelFunc
	done   chan struct{}
}

// NewHandle returns a handle for cancel. A nil cancel is allowed.
func NewHandle(cancel CancelFunc) *Handle {
	return &Handle{cancel: cancel, done: make(chan struct{})}
}

// Cancel runs the wrapped CancelFunc on the first call; later calls are no-ops.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		close(h.done)
	})
}

// Done is closed once the handle has been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Cancelled reports whether Cancel has run.
func (h *Handle) Cancelled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Group combines several cancel functions into one; they run in reverse order.
func Group(cancels ...CancelFunc) CancelFunc {
	return func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			if cancels[i] != nil {
				cancels[i]()
			}
		}
	}
}

// SubscriptionError reports that a feed terminated abnormally.
type SubscriptionError struct {
	Resource string
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s terminated: %v", e.Resource, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}
