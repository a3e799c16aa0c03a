// Package chat is the API presentation code talks to. An Engine wires the
// message adapter, typing trackers, read receipts and the conversation list
// builder over one document store, and keeps every live view in a
// subscription registry so that each (resource, identity) pair has at most
// one listener.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tourchat/conversations"
	"tourchat/messages"
	"tourchat/models"
	"tourchat/receipts"
	"tourchat/storage"
	"tourchat/subscription"
	"tourchat/typing"
)

// DefaultBackgroundTimeout bounds work the engine starts on its own, such as
// the read-mark that follows opening a thread.
const DefaultBackgroundTimeout = 10 * time.Second

// ErrClosed is returned by engine operations after Close.
var ErrClosed = errors.New("chat: engine is closed")

// Store is everything the engine needs from the document store.
type Store interface {
	messages.Backend
	typing.Writer
	typing.Watcher

	GetProfile(ctx context.Context, identity string) (models.UserProfile, error)
	UpsertProfile(ctx context.Context, profile models.UserProfile) error
	SubscribeProfile(identity string, onSnapshot func(*models.UserProfile), onError func(error)) storage.CancelFunc
}

// Options configures an Engine.
type Options struct {
	Store             Store
	Logger            zerolog.Logger
	TypingIdleTimeout time.Duration
}

// pair is an ordered (self, other) identity pair.
type pair struct {
	self  string
	other string
}

// Engine is safe for concurrent use.
type Engine struct {
	store       Store
	log         zerolog.Logger
	messages    *messages.Adapter
	receipts    *receipts.Synchronizer
	builder     *conversations.Builder
	registry    *subscription.Registry
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	trackers map[pair]*typing.Tracker
	closed   bool

	background sync.WaitGroup
	closeOnce  sync.Once
}

// NewEngine creates an engine over options.Store.
func NewEngine(options Options) (*Engine, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.TypingIdleTimeout <= 0 {
		options.TypingIdleTimeout = typing.DefaultIdleTimeout
	}

	adapter := messages.NewAdapter(options.Store)
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		store:       options.Store,
		log:         options.Logger.With().Str("component", "chat").Logger(),
		messages:    adapter,
		receipts:    receipts.NewSynchronizer(adapter, options.Logger),
		builder:     conversations.NewBuilder(options.Store, options.Logger),
		registry:    subscription.NewRegistry(options.Logger),
		idleTimeout: options.TypingIdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		trackers:    make(map[pair]*typing.Tracker),
	}, nil
}

// SendMessage stores a message from self to other. Malformed input fails with
// *messages.ValidationError before the store is touched; persistence
// failures come back as *messages.StoreError and are not retried.
func (e *Engine) SendMessage(ctx context.Context, self, other, text string) (models.Message, error) {
	if e.isClosed() {
		return models.Message{}, ErrClosed
	}

	message, err := e.messages.Append(ctx, self, other, text)
	if err != nil {
		return models.Message{}, err
	}

	// Sending ends the typing burst towards other.
	if err := e.SetTyping(ctx, self, other, false); err != nil {
		e.log.Warn().Err(err).Str("self", self).Str("other", other).Msg("clear typing after send failed")
	}
	return message, nil
}

// SetTyping feeds the typing tracker of self towards other. true is one input
// event; false forces the tracker idle.
func (e *Engine) SetTyping(ctx context.Context, self, other string, isTyping bool) error {
	if err := validatePair(self, other); err != nil {
		return err
	}

	if !isTyping {
		tracker := e.lookupTracker(self, other)
		if tracker == nil {
			return nil
		}
		return tracker.Idle(ctx)
	}

	tracker, err := e.tracker(self, other)
	if err != nil {
		return err
	}
	return tracker.Input(ctx)
}

// MarkThreadRead marks every unread message other sent to self as read and
// returns how many changed.
func (e *Engine) MarkThreadRead(ctx context.Context, self, other string) (int, error) {
	if err := validatePair(self, other); err != nil {
		return 0, err
	}
	if e.isClosed() {
		return 0, ErrClosed
	}
	return e.receipts.MarkThreadRead(ctx, self, other)
}

// ActiveViews lists the live subscriptions held by the engine.
func (e *Engine) ActiveViews() []subscription.Key {
	return e.registry.Active()
}

// Close releases every view and forces every typing tracker idle. It waits
// for background work and does not close the store.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		trackers := e.trackers
		e.trackers = make(map[pair]*typing.Tracker)
		e.mu.Unlock()

		e.registry.ReleaseAll()
		for _, tracker := range trackers {
			tracker.Close()
		}

		e.cancel()
		e.background.Wait()
	})
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Engine) tracker(self, other string) (*typing.Tracker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	key := pair{self: self, other: other}
	if tracker, ok := e.trackers[key]; ok {
		return tracker, nil
	}

	tracker, err := typing.NewTracker(typing.Options{
		Actor:       self,
		Counterpart: other,
		Writer:      e.store,
		IdleTimeout: e.idleTimeout,
		Logger:      e.log,
	})
	if err != nil {
		return nil, err
	}
	e.trackers[key] = tracker
	return tracker, nil
}

func (e *Engine) lookupTracker(self, other string) *typing.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.trackers[pair{self: self, other: other}]
}

// releaseTracker forgets the tracker of self towards other and forces it idle.
func (e *Engine) releaseTracker(self, other string) {
	key := pair{self: self, other: other}

	e.mu.Lock()
	tracker, ok := e.trackers[key]
	delete(e.trackers, key)
	e.mu.Unlock()

	if ok {
		tracker.Close()
	}
}

// releaseTrackersOf forces idle every tracker whose actor is self.
func (e *Engine) releaseTrackersOf(self string) int {
	e.mu.Lock()
	released := make([]*typing.Tracker, 0)
	for key, tracker := range e.trackers {
		if key.self == self {
			released = append(released, tracker)
			delete(e.trackers, key)
		}
	}
	e.mu.Unlock()

	for _, tracker := range released {
		tracker.Close()
	}
	return len(released)
}

// goBackground runs fn with a bounded context unless the engine is closed.
func (e *Engine) goBackground(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()

		ctx, cancel := context.WithTimeout(e.ctx, DefaultBackgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
	return true
}

func validatePair(self, other string) error {
	if strings.TrimSpace(self) == "" {
		return &messages.ValidationError{Field: "self", Reason: "is required"}
	}
	if strings.TrimSpace(other) == "" {
		return &messages.ValidationError{Field: "other", Reason: "is required"}
	}
	if self == other {
		return &messages.ValidationError{Field: "other", Reason: "must differ from self"}
	}
	return nil
}

func validateIdentity(identity string) error {
	if strings.TrimSpace(identity) == "" {
		return &messages.ValidationError{Field: "identity", Reason: "is required"}
	}
	return nil
}
