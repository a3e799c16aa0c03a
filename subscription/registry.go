package subscription

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Key names one logical resource watched on behalf of one owner.
type Key struct {
	Resource string
	Owner    string
}

// Registry keeps one Slot per Key, so at most one live subscription exists
// per (resource, owner) pair.
type Registry struct {
	mu    sync.Mutex
	slots map[Key]*Slot
	log   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		slots: make(map[Key]*Slot),
		log:   log.With().Str("component", "subscriptions").Logger(),
	}
}

// Install cancels whatever is registered under key and then calls open to
// create the replacement. The registry lock is held throughout, so the old
// and new subscriptions never overlap. open must not call back into the registry.
func (r *Registry) Install(key Key, open func() (CancelFunc, error)) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[key]
	if !ok {
		slot = &Slot{}
		r.slots[key] = slot
	} else if slot.Active() {
		r.log.Debug().Str("resource", key.Resource).Str("owner", key.Owner).Msg("replacing subscription")
	}
	slot.Release()

	cancel, err := open()
	if err != nil {
		delete(r.slots, key)
		return nil, err
	}

	handle := NewHandle(cancel)
	slot.Replace(handle)
	return handle, nil
}

// Release cancels handle and forgets it if it is still the one registered under key.
func (r *Registry) Release(key Key, handle *Handle) {
	r.mu.Lock()
	slot, ok := r.slots[key]
	if ok && slot.ReleaseIf(handle) {
		delete(r.slots, key)
	}
	r.mu.Unlock()

	handle.Cancel()
}

// ReleaseOwner cancels every subscription held for owner and returns how many were live.
func (r *Registry) ReleaseOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for key, slot := range r.slots {
		if key.Owner != owner {
			continue
		}
		if slot.Active() {
			released++
		}
		slot.Release()
		delete(r.slots, key)
	}
	return released
}

// ReleaseAll cancels every registered subscription.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, slot := range r.slots {
		slot.Release()
		delete(r.slots, key)
	}
}

// Active returns the keys with a live subscription, sorted by owner then resource.
func (r *Registry) Active() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.slots))
	for key, slot := range r.slots {
		if slot.Active() {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Owner == keys[j].Owner {
			return keys[i].Resource < keys[j].Resource
		}
		return keys[i].Owner < keys[j].Owner
	})
	return keys
}
