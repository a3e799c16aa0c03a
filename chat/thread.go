package chat

import (
	"context"
	"sync"

	"tourchat/conversations"
	"tourchat/models"
	"tourchat/subscription"
	"tourchat/typing"
)

// Thread is the live view of one conversation as seen by Self. Every stream
// carries full values; a consumer keeps only the latest one it received.
// All streams are closed once the thread is closed or replaced by a newer
// OpenThread for the same pair.
type Thread struct {
	Self  string
	Other string

	Messages        *subscription.Stream[[]models.Message]
	TypingFromOther *subscription.Stream[bool]
	Presence        *subscription.Stream[models.UserProfile]

	engine    *Engine
	key       subscription.Key
	handle    *subscription.Handle
	closeOnce sync.Once
}

func threadKey(self, other string) subscription.Key {
	return subscription.Key{Resource: "thread:" + other, Owner: self}
}

// OpenThread starts the live view of the thread between self and other. A
// thread already open for the pair is cancelled first. Opening a thread
// marks the counterpart's messages read in the background.
func (e *Engine) OpenThread(self, other string) (*Thread, error) {
	if err := validatePair(self, other); err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, ErrClosed
	}

	thread := &Thread{
		Self:            self,
		Other:           other,
		Messages:        subscription.NewStream[[]models.Message](),
		TypingFromOther: subscription.NewStream[bool](),
		Presence:        subscription.NewStream[models.UserProfile](),
		engine:          e,
		key:             threadKey(self, other),
	}

	handle, err := e.registry.Install(thread.key, func() (subscription.CancelFunc, error) {
		return thread.open(), nil
	})
	if err != nil {
		return nil, err
	}
	thread.handle = handle

	e.goBackground(func(ctx context.Context) {
		// Failures are logged by the synchronizer; the badge simply stays.
		_, _ = e.receipts.MarkThreadRead(ctx, self, other)
	})
	return thread, nil
}

func (t *Thread) open() subscription.CancelFunc {
	e := t.engine
	log := e.log.With().Str("self", t.Self).Str("other", t.Other).Logger()

	cancelMessages := e.messages.QueryThread(t.Self, t.Other, t.Messages.Publish, func(err error) {
		log.Error().Err(&subscription.SubscriptionError{Resource: t.key.Resource + "/messages", Err: err}).Msg("thread feed stopped")
		t.Messages.Publish([]models.Message{})
	})

	cancelTyping := typing.Observe(e.store, t.Other, t.Self, t.TypingFromOther.Publish, func(err error) {
		log.Error().Err(&subscription.SubscriptionError{Resource: t.key.Resource + "/typing", Err: err}).Msg("typing feed stopped")
		t.TypingFromOther.Publish(false)
	})

	offline := models.UserProfile{
		Identity:    t.Other,
		DisplayName: conversations.LocalPart(t.Other),
		Status:      models.StatusOffline,
	}
	cancelPresence := e.store.SubscribeProfile(t.Other, func(profile *models.UserProfile) {
		if profile == nil {
			t.Presence.Publish(offline)
			return
		}
		resolved := *profile
		if resolved.DisplayName == "" {
			resolved.DisplayName = offline.DisplayName
		}
		if resolved.Status == "" {
			resolved.Status = models.StatusOffline
		}
		t.Presence.Publish(resolved)
	}, func(err error) {
		log.Error().Err(&subscription.SubscriptionError{Resource: t.key.Resource + "/presence", Err: err}).Msg("presence feed stopped")
		t.Presence.Publish(offline)
	})

	// Streams close after the feeds so no callback publishes into a reader
	// that has already moved on.
	return subscription.Group(
		t.Messages.Close,
		t.TypingFromOther.Close,
		t.Presence.Close,
		subscription.CancelFunc(cancelPresence),
		subscription.CancelFunc(cancelTyping),
		subscription.CancelFunc(cancelMessages),
	)
}

// Send stores text from Self to Other.
func (t *Thread) Send(ctx context.Context, text string) (models.Message, error) {
	return t.engine.SendMessage(ctx, t.Self, t.Other, text)
}

// Input records one keystroke of Self in this thread.
func (t *Thread) Input(ctx context.Context) error {
	return t.engine.SetTyping(ctx, t.Self, t.Other, true)
}

// Active reports whether the thread still receives updates.
func (t *Thread) Active() bool {
	return !t.handle.Cancelled()
}

// Close stops every feed of the thread and forces Self's typing state
// towards Other idle. Closing a thread that was already replaced by a newer
// one leaves the newer thread untouched.
func (t *Thread) Close() {
	t.closeOnce.Do(func() {
		replaced := t.handle.Cancelled()
		t.engine.registry.Release(t.key, t.handle)
		if !replaced {
			t.engine.releaseTracker(t.Self, t.Other)
		}
	})
}
