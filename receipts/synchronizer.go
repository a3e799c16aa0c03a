// Package receipts marks a counterpart's messages read when a thread is opened.
package receipts

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tourchat/models"
)

// MessageStore is the subset of the message adapter the synchronizer uses.
type MessageStore interface {
	UnreadFrom(ctx context.Context, selfID, otherID string) ([]models.Message, error)
	BatchMarkRead(ctx context.Context, messageIDs []string) error
}

// Synchronizer marks threads read. Concurrent calls for the same pair share one run.
type Synchronizer struct {
	messages MessageStore
	log      zerolog.Logger
	inflight singleflight.Group
}

// NewSynchronizer creates a synchronizer over messages.
func NewSynchronizer(messages MessageStore, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		messages: messages,
		log:      log.With().Str("component", "receipts").Logger(),
	}
}

// MarkThreadRead marks every unread message otherID sent to selfID as read,
// atomically, and returns how many were marked. Marking an already-read
// thread is a no-op.
func (s *Synchronizer) MarkThreadRead(ctx context.Context, selfID, otherID string) (int, error) {
	key := models.TypingKey(selfID, otherID)
	marked, err, shared := s.inflight.Do(key, func() (any, error) {
		unread, err := s.messages.UnreadFrom(ctx, selfID, otherID)
		if err != nil {
			return 0, err
		}
		if len(unread) == 0 {
			return 0, nil
		}

		ids := make([]string, 0, len(unread))
		for _, message := range unread {
			ids = append(ids, message.ID)
		}
		if err := s.messages.BatchMarkRead(ctx, ids); err != nil {
			return 0, err
		}
		return len(ids), nil
	})
	if err != nil {
		s.log.Warn().Err(err).Str("self", selfID).Str("other", otherID).Msg("mark thread read failed")
		return 0, err
	}

	count := marked.(int)
	if count > 0 && !shared {
		s.log.Debug().Str("self", selfID).Str("other", otherID).Int("count", count).Msg("marked thread read")
	}
	return count, nil
}
