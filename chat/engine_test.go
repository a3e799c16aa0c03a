package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tourchat/messages"
	"tourchat/models"
	"tourchat/storage"
)

const (
	alice = "alice@example.com"
	bob   = "bob@example.com"
	carol = "carol@example.com"
)

// countingStore counts message writes and live message feeds.
type countingStore struct {
	*storage.Store

	mu                sync.Mutex
	inserts           int
	messageSubscribes int
	liveMessageFeeds  int
}

func (c *countingStore) InsertMessage(ctx context.Context, message models.Message) (models.Message, error) {
	c.mu.Lock()
	c.inserts++
	c.mu.Unlock()

	return c.Store.InsertMessage(ctx, message)
}

func (c *countingStore) SubscribeMessages(filter storage.MessageFilter, onSnapshot func([]models.Message), onError func(error)) storage.CancelFunc {
	c.mu.Lock()
	c.messageSubscribes++
	c.liveMessageFeeds++
	c.mu.Unlock()

	cancel := c.Store.SubscribeMessages(filter, onSnapshot, onError)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.liveMessageFeeds--
			c.mu.Unlock()
		})
		cancel()
	}
}

func (c *countingStore) counts() (inserts, subscribes, live int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inserts, c.messageSubscribes, c.liveMessageFeeds
}

// brokenFeedStore fails every message subscription.
type brokenFeedStore struct {
	*storage.Store
}

func (b brokenFeedStore) SubscribeMessages(_ storage.MessageFilter, _ func([]models.Message), onError func(error)) storage.CancelFunc {
	go onError(errors.New("feed unavailable"))
	return func() {}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})
	return store
}

func newTestEngine(t *testing.T, store Store, idleTimeout time.Duration) *Engine {
	t.Helper()

	engine, err := NewEngine(Options{
		Store:             store,
		Logger:            zerolog.Nop(),
		TypingIdleTimeout: idleTimeout,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

func waitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration, match func(T) bool) T {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case value, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed while waiting")
			}
			if match(value) {
				return value
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching value")
		}
	}
}

func waitClosed[T any](t *testing.T, ch <-chan T, timeout time.Duration) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stream to close")
		}
	}
}

func mustSend(t *testing.T, engine *Engine, self, other, text string) models.Message {
	t.Helper()

	message, err := engine.SendMessage(context.Background(), self, other, text)
	if err != nil {
		t.Fatalf("send %q: %v", text, err)
	}
	return message
}

func TestSendThenOpenThreadYieldsUnreadMessage(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	sent := mustSend(t, engine, alice, bob, "  hello bob  ")

	thread, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	defer thread.Close()

	got := waitFor(t, thread.Messages.C(), 2*time.Second, func(list []models.Message) bool {
		return len(list) == 1
	})
	message := got[0]
	if message.ID != sent.ID || message.Sender != alice || message.Receiver != bob || message.Text != "hello bob" {
		t.Fatalf("unexpected message %+v", message)
	}
	if message.Read {
		t.Fatalf("expected message to stay unread for its sender's view")
	}
	if message.Timestamp == nil {
		t.Fatalf("expected server timestamp")
	}
}

func TestSendMessageValidationSkipsStore(t *testing.T) {
	store := &countingStore{Store: newTestStore(t)}
	engine := newTestEngine(t, store, 0)

	_, err := engine.SendMessage(context.Background(), "", "x", "hi")
	var validationErr *messages.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if inserts, _, _ := store.counts(); inserts != 0 {
		t.Fatalf("expected no store writes, got %d", inserts)
	}
}

func TestOpenThreadTwiceKeepsOneLiveSubscription(t *testing.T) {
	store := &countingStore{Store: newTestStore(t)}
	engine := newTestEngine(t, store, 0)

	first, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open first thread: %v", err)
	}
	second, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open second thread: %v", err)
	}
	defer second.Close()

	_, subscribes, live := store.counts()
	if subscribes != 2 || live != 1 {
		t.Fatalf("expected 2 subscribe calls and 1 live feed, got %d and %d", subscribes, live)
	}
	if first.Active() || !second.Active() {
		t.Fatalf("expected only the second thread to be active")
	}
	waitClosed(t, first.Messages.C(), 2*time.Second)

	// messages, typing and presence feeds of the second thread only
	if got := store.ActiveSubscriptions(); got != 3 {
		t.Fatalf("expected 3 live store subscriptions, got %d", got)
	}
	if views := engine.ActiveViews(); len(views) != 1 {
		t.Fatalf("expected one active view, got %+v", views)
	}

	// Closing the replaced thread must not touch the live one.
	first.Close()
	if !second.Active() {
		t.Fatalf("closing a replaced thread cancelled the live one")
	}

	mustSend(t, engine, bob, alice, "still listening")
	waitFor(t, second.Messages.C(), 2*time.Second, func(list []models.Message) bool {
		return len(list) == 1
	})
}

func TestThreadOrdersMessagesAscending(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	mustSend(t, engine, alice, bob, "m1")
	mustSend(t, engine, bob, alice, "m2")
	mustSend(t, engine, alice, carol, "elsewhere")
	mustSend(t, engine, alice, bob, "m3")

	thread, err := engine.OpenThread(bob, alice)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	defer thread.Close()

	got := waitFor(t, thread.Messages.C(), 2*time.Second, func(list []models.Message) bool {
		return len(list) == 3
	})
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].Text != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, got[i].Text)
		}
	}
}

func TestTypingExpiresExactlyOnceForObserver(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 150*time.Millisecond)

	observer, err := engine.OpenThread(bob, alice)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	defer observer.Close()

	typingFeed := observer.TypingFromOther.C()
	if waitFor(t, typingFeed, 2*time.Second, func(bool) bool { return true }) {
		t.Fatalf("expected not typing before any input")
	}

	if err := engine.SetTyping(context.Background(), alice, bob, true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	waitFor(t, typingFeed, 2*time.Second, func(v bool) bool { return v })
	waitFor(t, typingFeed, 2*time.Second, func(v bool) bool { return !v })

	select {
	case v, ok := <-typingFeed:
		if ok {
			t.Fatalf("unexpected extra typing update %v", v)
		}
	case <-time.After(400 * time.Millisecond):
	}
}

func TestClosingThreadForcesTypingIdle(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, time.Minute)

	thread, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	if err := thread.Input(context.Background()); err != nil {
		t.Fatalf("input: %v", err)
	}

	status, err := store.GetTyping(context.Background(), models.TypingKey(alice, bob))
	if err != nil || !status.IsTyping {
		t.Fatalf("expected typing document, got %+v (%v)", status, err)
	}

	thread.Close()

	status, err = store.GetTyping(context.Background(), models.TypingKey(alice, bob))
	if err != nil || status.IsTyping {
		t.Fatalf("expected forced idle after close, got %+v (%v)", status, err)
	}
}

func TestConversationListAggregatesUnread(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	mustSend(t, engine, alice, bob, "from alice")
	mustSend(t, engine, bob, alice, "b1")
	mustSend(t, engine, bob, alice, "b2")
	latest := mustSend(t, engine, bob, alice, "b3")

	list, err := engine.OpenConversationList(alice)
	if err != nil {
		t.Fatalf("open list: %v", err)
	}
	defer list.Close()

	got := waitFor(t, list.Updates.C(), 2*time.Second, func(entries []models.Conversation) bool {
		return len(entries) == 1
	})
	entry := got[0]
	if entry.Counterpart != bob || entry.UnreadCount != 3 {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.LastMessage.ID != latest.ID {
		t.Fatalf("expected last message %q, got %q", latest.ID, entry.LastMessage.ID)
	}
	if entry.DisplayName != bob {
		t.Fatalf("expected identity fallback without a profile, got %q", entry.DisplayName)
	}
}

func TestOpeningThreadClearsUnread(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	mustSend(t, engine, bob, alice, "one")
	mustSend(t, engine, bob, alice, "two")
	mustSend(t, engine, carol, alice, "other thread")

	badge, err := engine.OpenUnreadCount(alice)
	if err != nil {
		t.Fatalf("open unread count: %v", err)
	}
	defer badge.Close()
	waitFor(t, badge.Updates.C(), 2*time.Second, func(n int) bool { return n == 3 })

	list, err := engine.OpenConversationList(alice)
	if err != nil {
		t.Fatalf("open list: %v", err)
	}
	defer list.Close()

	thread, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	defer thread.Close()

	waitFor(t, badge.Updates.C(), 2*time.Second, func(n int) bool { return n == 1 })
	got := waitFor(t, list.Updates.C(), 2*time.Second, func(entries []models.Conversation) bool {
		for _, entry := range entries {
			if entry.Counterpart == bob && entry.UnreadCount == 0 {
				return true
			}
		}
		return false
	})
	for _, entry := range got {
		if entry.Counterpart == carol && entry.UnreadCount != 1 {
			t.Fatalf("expected carol's thread untouched, got %+v", entry)
		}
	}

	if _, err := engine.MarkThreadRead(context.Background(), alice, bob); err != nil {
		t.Fatalf("mark thread read again: %v", err)
	}
	remaining, err := engine.messages.UnreadFrom(context.Background(), alice, bob)
	if err != nil || len(remaining) != 0 {
		t.Fatalf("expected nothing left unread from bob, got %d (%v)", len(remaining), err)
	}
}

func TestFeedFailureResetsDerivedState(t *testing.T) {
	engine := newTestEngine(t, brokenFeedStore{Store: newTestStore(t)}, 0)

	list, err := engine.OpenConversationList(alice)
	if err != nil {
		t.Fatalf("open list: %v", err)
	}
	defer list.Close()
	entries := waitFor(t, list.Updates.C(), 2*time.Second, func([]models.Conversation) bool { return true })
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty list after feed failure, got %+v", entries)
	}

	badge, err := engine.OpenUnreadCount(alice)
	if err != nil {
		t.Fatalf("open unread count: %v", err)
	}
	defer badge.Close()
	if n := waitFor(t, badge.Updates.C(), 2*time.Second, func(int) bool { return true }); n != 0 {
		t.Fatalf("expected zero unread after feed failure, got %d", n)
	}
}

func TestThreadPresenceFollowsSession(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	thread, err := engine.OpenThread(bob, alice)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	defer thread.Close()

	initial := waitFor(t, thread.Presence.C(), 2*time.Second, func(models.UserProfile) bool { return true })
	if initial.Status != models.StatusOffline || initial.DisplayName != "alice" {
		t.Fatalf("unexpected presence before sign-in %+v", initial)
	}

	if err := engine.StartSession(context.Background(), alice, ""); err != nil {
		t.Fatalf("start session: %v", err)
	}
	waitFor(t, thread.Presence.C(), 2*time.Second, func(p models.UserProfile) bool {
		return p.Status == models.StatusOnline && p.DisplayName == "alice"
	})

	if err := engine.EndSession(context.Background(), alice); err != nil {
		t.Fatalf("end session: %v", err)
	}
	waitFor(t, thread.Presence.C(), 2*time.Second, func(p models.UserProfile) bool {
		return p.Status == models.StatusOffline && p.LastSeen > 0
	})
}

func TestEndSessionReleasesOwnedViews(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, time.Minute)

	if err := engine.StartSession(context.Background(), alice, "Alice A."); err != nil {
		t.Fatalf("start session: %v", err)
	}

	thread, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}
	list, err := engine.OpenConversationList(alice)
	if err != nil {
		t.Fatalf("open list: %v", err)
	}
	other, err := engine.OpenConversationList(bob)
	if err != nil {
		t.Fatalf("open bob's list: %v", err)
	}
	defer other.Close()
	if err := thread.Input(context.Background()); err != nil {
		t.Fatalf("input: %v", err)
	}

	if err := engine.EndSession(context.Background(), alice); err != nil {
		t.Fatalf("end session: %v", err)
	}

	if thread.Active() || list.Active() {
		t.Fatalf("expected alice's views to be cancelled")
	}
	if !other.Active() {
		t.Fatalf("expected bob's view to survive")
	}
	waitClosed(t, list.Updates.C(), 2*time.Second)

	status, err := store.GetTyping(context.Background(), models.TypingKey(alice, bob))
	if err != nil || status.IsTyping {
		t.Fatalf("expected typing forced idle, got %+v (%v)", status, err)
	}

	profile, err := store.GetProfile(context.Background(), alice)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if profile.Status != models.StatusOffline || profile.DisplayName != "Alice A." {
		t.Fatalf("unexpected profile after sign-out %+v", profile)
	}
}

func TestWatchAuthDrivesSessions(t *testing.T) {
	store := newTestStore(t)
	engine := newTestEngine(t, store, 0)

	states := make(chan AuthState)
	seen := make(chan AuthState, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchAuth(context.Background(), engine, states, func(state AuthState, err error) {
			if err != nil {
				t.Errorf("start session for %q: %v", state.Identity, err)
			}
			seen <- state
		})
	}()

	states <- AuthState{Identity: alice}
	if state := waitFor[AuthState](t, seen, 2*time.Second, func(AuthState) bool { return true }); state.Identity != alice {
		t.Fatalf("unexpected state %+v", state)
	}
	profile, err := store.GetProfile(context.Background(), alice)
	if err != nil || profile.Status != models.StatusOnline {
		t.Fatalf("expected alice online, got %+v (%v)", profile, err)
	}

	if _, err := engine.OpenConversationList(alice); err != nil {
		t.Fatalf("open list: %v", err)
	}

	states <- AuthState{Identity: bob, DisplayName: "Bob"}
	waitFor[AuthState](t, seen, 2*time.Second, func(state AuthState) bool { return state.Identity == bob })

	profile, err = store.GetProfile(context.Background(), alice)
	if err != nil || profile.Status != models.StatusOffline {
		t.Fatalf("expected alice offline after switch, got %+v (%v)", profile, err)
	}
	if views := engine.ActiveViews(); len(views) != 0 {
		t.Fatalf("expected alice's views released, got %+v", views)
	}

	close(states)
	if err := <-done; err != nil {
		t.Fatalf("watch auth: %v", err)
	}
	profile, err = store.GetProfile(context.Background(), bob)
	if err != nil || profile.Status != models.StatusOffline || profile.DisplayName != "Bob" {
		t.Fatalf("expected bob offline after stream end, got %+v (%v)", profile, err)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	engine := newTestEngine(t, newTestStore(t), 0)

	thread, err := engine.OpenThread(alice, bob)
	if err != nil {
		t.Fatalf("open thread: %v", err)
	}

	engine.Close()
	engine.Close()

	if thread.Active() {
		t.Fatalf("expected thread cancelled by close")
	}
	if _, err := engine.SendMessage(context.Background(), alice, bob, "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from send, got %v", err)
	}
	if _, err := engine.OpenConversationList(alice); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from list, got %v", err)
	}
	if err := engine.SetTyping(context.Background(), alice, bob, true); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from typing, got %v", err)
	}
}
