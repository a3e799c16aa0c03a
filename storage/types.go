package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tourchat/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: store is closed")
)

// MessageFilter selects messages. Empty fields do not constrain the result.
type MessageFilter struct {
	// Participant matches messages whose participants array contains the identity.
	Participant string
	Sender      string
	Receiver    string
	Read        *bool
}

func (f MessageFilter) where() (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if f.Participant != "" {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM json_each(messages.participants) WHERE json_each.value = ?)`)
		args = append(args, f.Participant)
	}
	if f.Sender != "" {
		clauses = append(clauses, `sender = ?`)
		args = append(args, f.Sender)
	}
	if f.Receiver != "" {
		clauses = append(clauses, `receiver = ?`)
		args = append(args, f.Receiver)
	}
	if f.Read != nil {
		clauses = append(clauses, `is_read = ?`)
		args = append(args, boolToInt(*f.Read))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func validateProfileStatus(status string) error {
	switch status {
	case models.StatusOnline, models.StatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid profile status %q", status)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

type scanner interface {
	Scan(dest ...any) error
}
