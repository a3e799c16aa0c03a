package chat

import (
	"context"
	"time"

	"tourchat/conversations"
	"tourchat/models"
)

// AuthState is one transition of the external auth provider. An empty
// Identity means signed out.
type AuthState struct {
	Identity    string
	DisplayName string
}

// SignedIn reports whether the state carries an identity.
func (s AuthState) SignedIn() bool {
	return s.Identity != ""
}

// StartSession marks identity online. The stored display name is kept when
// displayName is empty; a profile created here without one gets the local
// part of the identity.
func (e *Engine) StartSession(ctx context.Context, identity, displayName string) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	if e.isClosed() {
		return ErrClosed
	}

	if displayName == "" {
		existing, err := e.store.GetProfile(ctx, identity)
		if err != nil || existing.DisplayName == "" {
			displayName = conversations.LocalPart(identity)
		}
	}

	if err := e.store.UpsertProfile(ctx, models.UserProfile{
		Identity:    identity,
		DisplayName: displayName,
		Status:      models.StatusOnline,
		LastSeen:    time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	e.log.Info().Str("identity", identity).Msg("session started")
	return nil
}

// EndSession cancels every view owned by identity, forces its typing state
// idle everywhere and marks it offline.
func (e *Engine) EndSession(ctx context.Context, identity string) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	views := e.registry.ReleaseOwner(identity)
	trackers := e.releaseTrackersOf(identity)

	if err := e.store.UpsertProfile(ctx, models.UserProfile{
		Identity: identity,
		Status:   models.StatusOffline,
		LastSeen: time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	e.log.Info().
		Str("identity", identity).
		Int("views", views).
		Int("typing_trackers", trackers).
		Msg("session ended")
	return nil
}

// WatchAuth drives the session lifecycle from a stream of auth transitions.
// Every change of identity ends the previous session before the next one
// starts. onSession, if set, is called after each transition with the new
// state and the error of starting its session, if any. WatchAuth returns when states is closed or ctx is done, ending
// the current session on the way out.
func WatchAuth(ctx context.Context, engine *Engine, states <-chan AuthState, onSession func(AuthState, error)) error {
	var current string

	end := func(endCtx context.Context) error {
		if current == "" {
			return nil
		}
		identity := current
		current = ""
		return engine.EndSession(endCtx, identity)
	}

	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), DefaultBackgroundTimeout)
			defer cancel()
			if err := end(endCtx); err != nil {
				engine.log.Warn().Err(err).Msg("end session on shutdown failed")
			}
			return ctx.Err()
		case state, ok := <-states:
			if !ok {
				return end(ctx)
			}
			if state.Identity == current {
				continue
			}

			if err := end(ctx); err != nil {
				engine.log.Warn().Err(err).Msg("end session failed")
			}
			var startErr error
			if state.SignedIn() {
				startErr = engine.StartSession(ctx, state.Identity, state.DisplayName)
				if startErr != nil {
					engine.log.Warn().Err(startErr).Str("identity", state.Identity).Msg("start session failed")
				} else {
					current = state.Identity
				}
			}
			if onSession != nil {
				onSession(state, startErr)
			}
		}
	}
}
