package storage

import (
	"context"
	"errors"
	"testing"

	"tourchat/models"
)

func TestSetTypingUpsertsByPairKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetTyping(ctx, models.TypingKey("a@x", "b@x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first write, got %v", err)
	}

	if err := store.SetTyping(ctx, models.TypingStatus{Actor: "a@x", Counterpart: "b@x", IsTyping: true, Timestamp: 10}); err != nil {
		t.Fatalf("SetTyping failed: %v", err)
	}
	if err := store.SetTyping(ctx, models.TypingStatus{Actor: "a@x", Counterpart: "b@x", IsTyping: false, Timestamp: 20}); err != nil {
		t.Fatalf("SetTyping overwrite failed: %v", err)
	}

	status, err := store.GetTyping(ctx, "a@x_b@x")
	if err != nil {
		t.Fatalf("GetTyping failed: %v", err)
	}
	if status.IsTyping || status.Timestamp != 20 {
		t.Fatalf("expected overwritten idle status at 20, got %+v", status)
	}

	if _, err := store.GetTyping(ctx, models.TypingKey("b@x", "a@x")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected reverse pair to stay unwritten, got %v", err)
	}
}

func TestSetTypingRequiresBothSides(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetTyping(context.Background(), models.TypingStatus{Actor: "a@x"}); err == nil {
		t.Fatalf("expected error for missing counterpart")
	}
	if err := store.SetTyping(context.Background(), models.TypingStatus{Counterpart: "b@x"}); err == nil {
		t.Fatalf("expected error for missing actor")
	}
}
