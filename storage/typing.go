package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tourchat/models"
)

// SetTyping upserts the typing document of status.Actor towards status.Counterpart.
// A zero timestamp is replaced by the current time.
func (s *Store) SetTyping(ctx context.Context, status models.TypingStatus) error {
	if status.Actor == "" {
		return errors.New("actor is required")
	}
	if status.Counterpart == "" {
		return errors.New("counterpart is required")
	}
	if status.Timestamp == 0 {
		status.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO typing_status (status_key, actor, counterpart, is_typing, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(status_key) DO UPDATE SET
			is_typing = excluded.is_typing,
			timestamp = excluded.timestamp`,
		status.Key(),
		status.Actor,
		status.Counterpart,
		boolToInt(status.IsTyping),
		status.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert typing status %q: %w", status.Key(), err)
	}

	s.notify(collectionTyping)
	return nil
}

// GetTyping fetches one typing document by its "{actor}_{counterpart}" key.
func (s *Store) GetTyping(ctx context.Context, key string) (models.TypingStatus, error) {
	if key == "" {
		return models.TypingStatus{}, errors.New("status_key is required")
	}

	var (
		status   models.TypingStatus
		isTyping int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT actor, counterpart, is_typing, timestamp
		FROM typing_status
		WHERE status_key = ?`,
		key,
	).Scan(&status.Actor, &status.Counterpart, &isTyping, &status.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TypingStatus{}, ErrNotFound
		}
		return models.TypingStatus{}, fmt.Errorf("get typing status %q: %w", key, err)
	}
	status.IsTyping = isTyping == 1

	return status, nil
}

// SubscribeTyping delivers the typing document stored under key, or nil while
// no such document exists.
func (s *Store) SubscribeTyping(key string, onSnapshot func(*models.TypingStatus), onError func(error)) CancelFunc {
	return watch(s, collectionTyping, func(ctx context.Context) (*models.TypingStatus, error) {
		status, err := s.GetTyping(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &status, nil
	}, onSnapshot, onError)
}
