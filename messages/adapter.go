// Package messages persists and queries chat messages on top of the document store.
package messages

import (
	"context"
	"sort"
	"strings"
	"time"

	"tourchat/models"
	"tourchat/storage"
)

// Backend is the part of the document store the adapter needs.
type Backend interface {
	InsertMessage(ctx context.Context, message models.Message) (models.Message, error)
	QueryMessages(ctx context.Context, filter storage.MessageFilter) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, messageIDs []string) error
	SubscribeMessages(filter storage.MessageFilter, onSnapshot func([]models.Message), onError func(error)) storage.CancelFunc
}

// Adapter validates messages and maps thread and inbox views onto store queries.
type Adapter struct {
	backend Backend
	now     func() int64
}

// NewAdapter wraps backend.
func NewAdapter(backend Backend) *Adapter {
	return &Adapter{
		backend: backend,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Validate checks the fields a caller supplies for a new message.
func Validate(sender, receiver, text string) error {
	if strings.TrimSpace(sender) == "" {
		return &ValidationError{Field: "sender", Reason: "is required"}
	}
	if strings.TrimSpace(receiver) == "" {
		return &ValidationError{Field: "receiver", Reason: "is required"}
	}
	if sender == receiver {
		return &ValidationError{Field: "receiver", Reason: "must differ from sender"}
	}
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	return nil
}

// Append validates and stores a message with trimmed text. The returned
// message carries the store-assigned ID and timestamp.
func (a *Adapter) Append(ctx context.Context, sender, receiver, text string) (models.Message, error) {
	if err := Validate(sender, receiver, text); err != nil {
		return models.Message{}, err
	}

	stored, err := a.backend.InsertMessage(ctx, models.Message{
		Sender:   sender,
		Receiver: receiver,
		Text:     strings.TrimSpace(text),
	})
	if err != nil {
		return models.Message{}, &StoreError{Op: "append message", Err: err}
	}
	return stored, nil
}

// QueryThread feeds every message exchanged between selfID and otherID,
// oldest first. The store is queried by membership of selfID and narrowed
// to the pair locally.
func (a *Adapter) QueryThread(selfID, otherID string, onSnapshot func([]models.Message), onError func(error)) storage.CancelFunc {
	return a.backend.SubscribeMessages(storage.MessageFilter{Participant: selfID}, func(all []models.Message) {
		thread := FilterThread(all, selfID, otherID)
		SortThread(thread, a.now())
		onSnapshot(thread)
	}, onError)
}

// QueryAllForUser feeds every message sent or received by selfID.
func (a *Adapter) QueryAllForUser(selfID string, onSnapshot func([]models.Message), onError func(error)) storage.CancelFunc {
	return a.backend.SubscribeMessages(storage.MessageFilter{Participant: selfID}, onSnapshot, onError)
}

// UnreadFrom returns the unread messages otherID sent to selfID.
func (a *Adapter) UnreadFrom(ctx context.Context, selfID, otherID string) ([]models.Message, error) {
	unread := false
	found, err := a.backend.QueryMessages(ctx, storage.MessageFilter{
		Sender:   otherID,
		Receiver: selfID,
		Read:     &unread,
	})
	if err != nil {
		return nil, &StoreError{Op: "query unread messages", Err: err}
	}
	return found, nil
}

// BatchMarkRead marks every listed message read, or none of them.
func (a *Adapter) BatchMarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := a.backend.MarkMessagesRead(ctx, messageIDs); err != nil {
		return &StoreError{Op: "mark messages read", Err: err}
	}
	return nil
}

// FilterThread keeps the messages exchanged between a and b.
func FilterThread(all []models.Message, a, b string) []models.Message {
	thread := make([]models.Message, 0, len(all))
	for _, message := range all {
		if message.Involves(a, b) {
			thread = append(thread, message)
		}
	}
	return thread
}

// SortThread orders messages by timestamp ascending, treating unacknowledged
// messages as now. Equal timestamps keep store insertion order.
func SortThread(thread []models.Message, now int64) {
	sort.SliceStable(thread, func(i, j int) bool {
		ti, tj := thread[i].SortTime(now), thread[j].SortTime(now)
		if ti != tj {
			return ti < tj
		}
		return thread[i].Seq < thread[j].Seq
	})
}

// DayBreaks returns the indexes of acknowledged messages that start a new
// calendar day in loc. The first acknowledged message always starts one.
func DayBreaks(thread []models.Message, loc *time.Location) []int {
	if loc == nil {
		loc = time.Local
	}

	breaks := make([]int, 0)
	var lastDay string
	for i, message := range thread {
		if message.Timestamp == nil {
			continue
		}
		day := time.UnixMilli(*message.Timestamp).In(loc).Format(time.DateOnly)
		if day != lastDay {
			breaks = append(breaks, i)
			lastDay = day
		}
	}
	return breaks
}
