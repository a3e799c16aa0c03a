package chat

import (
	"context"
	"sync"

	"tourchat/models"
	"tourchat/storage"
	"tourchat/subscription"
)

const (
	resourceConversations = "conversations"
	resourceUnreadCount   = "unread"
)

// View is a single live feed owned by one identity.
type View[T any] struct {
	Updates *subscription.Stream[T]

	engine    *Engine
	key       subscription.Key
	handle    *subscription.Handle
	closeOnce sync.Once
}

// Active reports whether the view still receives updates.
func (v *View[T]) Active() bool {
	return !v.handle.Cancelled()
}

// Close stops the view. It is safe to call more than once.
func (v *View[T]) Close() {
	v.closeOnce.Do(func() {
		v.engine.registry.Release(v.key, v.handle)
	})
}

// ConversationList is the live conversation list of one identity.
type ConversationList = View[[]models.Conversation]

// UnreadCount is the live total of unread messages addressed to one identity.
type UnreadCount = View[int]

// OpenConversationList starts the live conversation list of self, newest
// conversation first. The list is rebuilt from every message of self on each
// change. If the feed fails the list resets to empty.
func (e *Engine) OpenConversationList(self string) (*ConversationList, error) {
	if err := validateIdentity(self); err != nil {
		return nil, err
	}

	return openView(e, subscription.Key{Resource: resourceConversations, Owner: self}, func(updates *subscription.Stream[[]models.Conversation]) subscription.CancelFunc {
		ctx, cancelBuilds := context.WithCancel(e.ctx)

		cancelFeed := e.messages.QueryAllForUser(self, func(all []models.Message) {
			list, err := e.builder.Build(ctx, self, all)
			if err != nil {
				// Only cancellation fails a build; the view is going away.
				return
			}
			updates.Publish(list)
		}, func(err error) {
			e.log.Error().
				Err(&subscription.SubscriptionError{Resource: resourceConversations, Err: err}).
				Str("self", self).
				Msg("conversation feed stopped")
			updates.Publish([]models.Conversation{})
		})

		return subscription.Group(updates.Close, subscription.CancelFunc(cancelBuilds), subscription.CancelFunc(cancelFeed))
	})
}

// OpenUnreadCount starts the live count of unread messages sent to self
// across every conversation. If the feed fails the count resets to zero.
func (e *Engine) OpenUnreadCount(self string) (*UnreadCount, error) {
	if err := validateIdentity(self); err != nil {
		return nil, err
	}

	return openView(e, subscription.Key{Resource: resourceUnreadCount, Owner: self}, func(updates *subscription.Stream[int]) subscription.CancelFunc {
		unread := false
		last := -1

		cancelFeed := e.store.SubscribeMessages(storage.MessageFilter{Receiver: self, Read: &unread}, func(found []models.Message) {
			// Deliveries for one feed are sequential.
			if len(found) == last {
				return
			}
			last = len(found)
			updates.Publish(last)
		}, func(err error) {
			e.log.Error().
				Err(&subscription.SubscriptionError{Resource: resourceUnreadCount, Err: err}).
				Str("self", self).
				Msg("unread feed stopped")
			updates.Publish(0)
		})

		return subscription.Group(updates.Close, subscription.CancelFunc(cancelFeed))
	})
}

func openView[T any](e *Engine, key subscription.Key, open func(*subscription.Stream[T]) subscription.CancelFunc) (*View[T], error) {
	if e.isClosed() {
		return nil, ErrClosed
	}

	view := &View[T]{
		Updates: subscription.NewStream[T](),
		engine:  e,
		key:     key,
	}
	handle, err := e.registry.Install(key, func() (subscription.CancelFunc, error) {
		return open(view.Updates), nil
	})
	if err != nil {
		return nil, err
	}
	view.handle = handle
	return view, nil
}
