// Package typing publishes and observes per-pair typing indicators.
package typing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tourchat/models"
	"tourchat/storage"
)

const (
	// DefaultIdleTimeout is how long after the last input a tracker falls back to idle.
	DefaultIdleTimeout = 3 * time.Second
	// DefaultWriteTimeout bounds writes made outside a caller context.
	DefaultWriteTimeout = 5 * time.Second
)

// ErrClosed is returned by Input once the tracker has been closed.
var ErrClosed = errors.New("typing: tracker is closed")

// State is the typing state of one (actor, counterpart) pair.
type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Writer persists typing documents.
type Writer interface {
	SetTyping(ctx context.Context, status models.TypingStatus) error
}

// Options configures a Tracker.
type Options struct {
	Actor        string
	Counterpart  string
	Writer       Writer
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Tracker is the typing state machine of Actor towards Counterpart. It owns
// exactly one inactivity timer; trackers for different pairs never share state.
type Tracker struct {
	options Options
	log     zerolog.Logger

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewTracker creates an idle tracker with validated options.
func NewTracker(options Options) (*Tracker, error) {
	if options.Actor == "" {
		return nil, errors.New("actor is required")
	}
	if options.Counterpart == "" {
		return nil, errors.New("counterpart is required")
	}
	if options.Writer == nil {
		return nil, errors.New("writer is required")
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}

	return &Tracker{
		options: options,
		log: options.Logger.With().
			Str("component", "typing").
			Str("actor", options.Actor).
			Str("counterpart", options.Counterpart).
			Logger(),
	}, nil
}

// Input records one input event. The first event after idle writes
// isTyping=true; every event restarts the inactivity timer.
func (t *Tracker) Input(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.restartTimerLocked()
	if t.state == Typing {
		return nil
	}

	t.state = Typing
	if err := t.writeLocked(ctx, true); err != nil {
		// Stay idle so the next input retries the write.
		t.state = Idle
		t.stopTimerLocked()
		return err
	}
	return nil
}

// Idle forces the tracker to idle, writing isTyping=false if it was typing.
func (t *Tracker) Idle(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.state == Idle {
		return nil
	}
	t.stopTimerLocked()
	t.state = Idle
	return t.writeLocked(ctx, false)
}

// Close is the teardown transition: it stops the timer and writes
// isTyping=false as a best-effort cleanup. Later calls are no-ops.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	t.stopTimerLocked()
	t.state = Idle

	ctx, cancel := context.WithTimeout(context.Background(), t.options.WriteTimeout)
	defer cancel()
	if err := t.writeLocked(ctx, false); err != nil {
		t.log.Warn().Err(err).Msg("forced idle write failed")
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Tracker) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || gen != t.gen || t.state != Typing {
		return
	}
	t.timer = nil
	t.state = Idle

	ctx, cancel := context.WithTimeout(context.Background(), t.options.WriteTimeout)
	defer cancel()
	if err := t.writeLocked(ctx, false); err != nil {
		t.log.Warn().Err(err).Msg("idle write failed")
	}
}

func (t *Tracker) restartTimerLocked() {
	t.stopTimerLocked()
	gen := t.gen
	t.timer = time.AfterFunc(t.options.IdleTimeout, func() {
		t.expire(gen)
	})
}

// stopTimerLocked also bumps the generation so a timer that already fired
// but is still waiting on the lock becomes a no-op.
func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Tracker) writeLocked(ctx context.Context, isTyping bool) error {
	return t.options.Writer.SetTyping(ctx, models.TypingStatus{
		Actor:       t.options.Actor,
		Counterpart: t.options.Counterpart,
		IsTyping:    isTyping,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// Watcher subscribes to typing documents.
type Watcher interface {
	SubscribeTyping(key string, onSnapshot func(*models.TypingStatus), onError func(error)) storage.CancelFunc
}

// Observe feeds whether observed is typing towards observer. The value comes
// only from the remote document; a missing document reads as false.
// Consecutive equal values are delivered once.
func Observe(watcher Watcher, observed, observer string, onChange func(bool), onError func(error)) storage.CancelFunc {
	var (
		mu   sync.Mutex
		seen bool
		last bool
	)
	return watcher.SubscribeTyping(models.TypingKey(observed, observer), func(status *models.TypingStatus) {
		isTyping := status != nil && status.IsTyping

		mu.Lock()
		if seen && last == isTyping {
			mu.Unlock()
			return
		}
		seen, last = true, isTyping
		mu.Unlock()

		onChange(isTyping)
	}, onError)
}
