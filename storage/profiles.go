package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tourchat/models"
)

// UpsertProfile merges profile into the stored record. Empty display name,
// empty status and zero last seen keep the stored values.
func (s *Store) UpsertProfile(ctx context.Context, profile models.UserProfile) error {
	if profile.Identity == "" {
		return errors.New("identity is required")
	}
	if profile.Status != "" {
		if err := validateProfileStatus(profile.Status); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	merged, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT identity, display_name, status, last_seen
		FROM user_profiles
		WHERE identity = ?`,
		profile.Identity,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		merged = models.UserProfile{Identity: profile.Identity, Status: models.StatusOffline}
	case err != nil:
		return fmt.Errorf("read profile %q: %w", profile.Identity, err)
	}

	if profile.DisplayName != "" {
		merged.DisplayName = profile.DisplayName
	}
	if profile.Status != "" {
		merged.Status = profile.Status
	}
	if profile.LastSeen > 0 {
		merged.LastSeen = profile.LastSeen
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO user_profiles (identity, display_name, status, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			status = excluded.status,
			last_seen = excluded.last_seen`,
		merged.Identity,
		merged.DisplayName,
		merged.Status,
		merged.LastSeen,
	); err != nil {
		return fmt.Errorf("upsert profile %q: %w", profile.Identity, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit profile upsert transaction: %w", err)
	}

	s.notify(collectionProfiles)
	return nil
}

// GetProfile fetches a profile by identity.
func (s *Store) GetProfile(ctx context.Context, identity string) (models.UserProfile, error) {
	if identity == "" {
		return models.UserProfile{}, errors.New("identity is required")
	}

	profile, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT identity, display_name, status, last_seen
		FROM user_profiles
		WHERE identity = ?`,
		identity,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserProfile{}, ErrNotFound
		}
		return models.UserProfile{}, fmt.Errorf("get profile %q: %w", identity, err)
	}

	return profile, nil
}

// SubscribeProfile delivers the profile of identity, or nil while none exists.
func (s *Store) SubscribeProfile(identity string, onSnapshot func(*models.UserProfile), onError func(error)) CancelFunc {
	return watch(s, collectionProfiles, func(ctx context.Context) (*models.UserProfile, error) {
		profile, err := s.GetProfile(ctx, identity)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &profile, nil
	}, onSnapshot, onError)
}

func scanProfile(row scanner) (models.UserProfile, error) {
	var (
		profile models.UserProfile
		status  sql.NullString
	)
	if err := row.Scan(&profile.Identity, &profile.DisplayName, &status, &profile.LastSeen); err != nil {
		return models.UserProfile{}, err
	}
	profile.Status = models.StatusOffline
	if status.Valid && status.String != "" {
		profile.Status = status.String
	}
	return profile, nil
}
