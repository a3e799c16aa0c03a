package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tourchat/models"
)

const messageColumns = `
			seq,
			message_id,
			sender,
			receiver,
			participants,
			text,
			timestamp,
			is_read`

// InsertMessage stores a new message. The store assigns the ID, the
// participants pair, read=false and a server timestamp.
func (s *Store) InsertMessage(ctx context.Context, message models.Message) (models.Message, error) {
	if message.Sender == "" {
		return models.Message{}, errors.New("sender is required")
	}
	if message.Receiver == "" {
		return models.Message{}, errors.New("receiver is required")
	}
	if message.Sender == message.Receiver {
		return models.Message{}, errors.New("sender and receiver must differ")
	}
	if strings.TrimSpace(message.Text) == "" {
		return models.Message{}, errors.New("text is required")
	}

	message.ID = uuid.NewString()
	message.Participants = []string{message.Sender, message.Receiver}
	message.Read = false

	participants, err := json.Marshal(message.Participants)
	if err != nil {
		return models.Message{}, fmt.Errorf("encode participants: %w", err)
	}

	ts := s.serverTimestamp()
	message.Timestamp = &ts

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			sender,
			receiver,
			participants,
			text,
			timestamp,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		message.ID,
		message.Sender,
		message.Receiver,
		string(participants),
		message.Text,
		ts,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, fmt.Errorf("read seq for message %q: %w", message.ID, err)
	}
	message.Seq = seq

	s.notify(collectionMessages)
	return message, nil
}

// GetMessage fetches one message by ID.
func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("message_id is required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// QueryMessages returns messages matching filter, ordered ascending by
// timestamp. Unacknowledged messages sort as now; ties fall back to insertion order.
func (s *Store) QueryMessages(ctx context.Context, filter MessageFilter) ([]models.Message, error) {
	where, args := filter.where()
	args = append(args, s.now())

	rows, err := s.db.QueryContext(ctx,
		`SELECT`+messageColumns+`
		FROM messages
		`+where+`
		ORDER BY COALESCE(timestamp, ?) ASC, seq ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// MarkMessagesRead sets read=true on every listed message in one transaction.
// If any ID is unknown nothing is changed and ErrNotFound is returned.
func (s *Store) MarkMessagesRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark read transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET is_read = 1 WHERE message_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare mark read: %w", err)
	}
	defer stmt.Close()

	for _, messageID := range messageIDs {
		res, err := stmt.ExecContext(ctx, messageID)
		if err != nil {
			return fmt.Errorf("mark message %q read: %w", messageID, err)
		}
		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read rows affected for mark read %q: %w", messageID, err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("mark message %q read: %w", messageID, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mark read transaction: %w", err)
	}

	s.notify(collectionMessages)
	return nil
}

// SubscribeMessages delivers the full QueryMessages result for filter on
// subscribe and after every message write.
func (s *Store) SubscribeMessages(filter MessageFilter, onSnapshot func([]models.Message), onError func(error)) CancelFunc {
	return watch(s, collectionMessages, func(ctx context.Context) ([]models.Message, error) {
		return s.QueryMessages(ctx, filter)
	}, onSnapshot, onError)
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		message      models.Message
		participants string
		timestamp    sql.NullInt64
		isRead       int
	)

	if err := row.Scan(
		&message.Seq,
		&message.ID,
		&message.Sender,
		&message.Receiver,
		&participants,
		&message.Text,
		&timestamp,
		&isRead,
	); err != nil {
		return models.Message{}, err
	}

	if err := json.Unmarshal([]byte(participants), &message.Participants); err != nil {
		return models.Message{}, fmt.Errorf("decode participants of %q: %w", message.ID, err)
	}
	message.Timestamp = int64Ptr(timestamp)
	message.Read = isRead == 1

	return message, nil
}
