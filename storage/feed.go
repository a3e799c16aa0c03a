package storage

import (
	"context"
	"sync"
)

const (
	collectionMessages = "messages"
	collectionTyping   = "typing_status"
	collectionProfiles = "user_profiles"
)

// CancelFunc stops a live subscription. It is safe to call more than once,
// including after the subscription already terminated.
type CancelFunc func()

// watcher is one live query. Writes to its collection wake it; its goroutine
// re-runs the query and delivers the full result.
type watcher struct {
	collection string
	wake       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// watch runs query once immediately and again after every committed write to
// collection. Deliveries for one watcher happen on a single goroutine, so a
// snapshot never overtakes a newer one. Bursts of writes coalesce into one
// re-query. A query error is terminal.
func watch[T any](s *Store, collection string, query func(context.Context) (T, error), onSnapshot func(T), onError func(error)) CancelFunc {
	w := &watcher{
		collection: collection,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	if !s.addWatcher(w) {
		if onError != nil {
			go onError(ErrClosed)
		}
		return func() {}
	}

	go func() {
		defer s.watchWG.Done()
		defer s.removeWatcher(w)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-w.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			result, err := query(ctx)
			if w.stopped() {
				return
			}
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onSnapshot(result)

			select {
			case <-w.wake:
			case <-w.done:
				return
			}
		}
	}()

	return func() {
		w.stop()
		s.removeWatcher(w)
	}
}

func (s *Store) addWatcher(w *watcher) bool {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.closed {
		return false
	}
	set, ok := s.watchers[w.collection]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[w.collection] = set
	}
	set[w] = struct{}{}
	s.watchWG.Add(1)
	return true
}

func (s *Store) removeWatcher(w *watcher) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if set, ok := s.watchers[w.collection]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(s.watchers, w.collection)
		}
	}
}

// notify wakes every watcher of collection without blocking the writer.
func (s *Store) notify(collection string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for w := range s.watchers[collection] {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// ActiveSubscriptions returns the number of live subscriptions on the store.
func (s *Store) ActiveSubscriptions() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	count := 0
	for _, set := range s.watchers {
		count += len(set)
	}
	return count
}

func (s *Store) stopWatchers() {
	s.watchMu.Lock()
	s.closed = true
	for _, set := range s.watchers {
		for w := range set {
			w.stop()
		}
	}
	s.watchMu.Unlock()

	s.watchWG.Wait()
}
