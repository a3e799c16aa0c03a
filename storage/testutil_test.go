package storage

import (
	"context"
	"testing"
	"time"

	"tourchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
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

func newTextMessage(sender, receiver, text string) models.Message {
	return models.Message{Sender: sender, Receiver: receiver, Text: text}
}

func mustInsertMessage(t *testing.T, store *Store, sender, receiver, text string) models.Message {
	t.Helper()

	message, err := store.InsertMessage(context.Background(), newTextMessage(sender, receiver, text))
	if err != nil {
		t.Fatalf("insert message %q: %v", text, err)
	}
	return message
}

// mustInsertRawMessage bypasses server timestamp assignment.
func mustInsertRawMessage(t *testing.T, store *Store, id, sender, receiver, text string, timestamp *int64) {
	t.Helper()

	_, err := store.db.Exec(
		`INSERT INTO messages (message_id, sender, receiver, participants, text, timestamp, is_read)
		VALUES (?, ?, ?, json_array(?, ?), ?, ?, 0)`,
		id, sender, receiver, sender, receiver, text, nullInt64(timestamp),
	)
	if err != nil {
		t.Fatalf("insert raw message %q: %v", id, err)
	}
}

func waitForSnapshot[T any](t *testing.T, ch <-chan T, timeout time.Duration, match func(T) bool) T {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case value := <-ch:
			if match(value) {
				return value
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
		}
	}
}
