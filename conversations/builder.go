package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tourchat/models"
	"tourchat/storage"
)

// DefaultLookupConcurrency bounds parallel profile lookups per build.
const DefaultLookupConcurrency = 8

// ProfileSource resolves identities to profiles.
type ProfileSource interface {
	GetProfile(ctx context.Context, identity string) (models.UserProfile, error)
}

// Builder turns a message set into a display-ready conversation list.
type Builder struct {
	profiles    ProfileSource
	concurrency int
	now         func() int64
	log         zerolog.Logger
}

// NewBuilder creates a builder resolving names through profiles.
func NewBuilder(profiles ProfileSource, log zerolog.Logger) *Builder {
	return &Builder{
		profiles:    profiles,
		concurrency: DefaultLookupConcurrency,
		now:         func() int64 { return time.Now().UnixMilli() },
		log:         log.With().Str("component", "conversations").Logger(),
	}
}

// Build aggregates all, resolves each counterpart's profile and sorts the
// result newest first. A failed lookup falls back to the identity string;
// only cancellation of ctx fails the build.
func (b *Builder) Build(ctx context.Context, self string, all []models.Message) ([]models.Conversation, error) {
	now := b.now()
	list := Aggregate(self, all, now)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(b.concurrency)
	for i := range list {
		entry := &list[i]
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			b.resolve(groupCtx, entry)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	SortByRecent(list, now)
	return list, nil
}

func (b *Builder) resolve(ctx context.Context, entry *models.Conversation) {
	entry.DisplayName = entry.Counterpart
	entry.Status = models.StatusOffline

	profile, err := b.profiles.GetProfile(ctx, entry.Counterpart)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Warn().Err(err).Str("identity", entry.Counterpart).Msg("profile lookup failed")
		}
		return
	}

	entry.DisplayName = profile.DisplayName
	if entry.DisplayName == "" {
		entry.DisplayName = LocalPart(entry.Counterpart)
	}
	if profile.Status != "" {
		entry.Status = profile.Status
	}
}
