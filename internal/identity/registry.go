// Package identity maps session ids to display names and provisions new
// sessions.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/store"
)

// Registry is the identity registry. It is safe for concurrent use.
type Registry struct {
	users   store.UserStore
	timeout time.Duration
	sf      singleflight.Group
}

// NewRegistry creates a registry over users. Every store call is bounded by
// timeout when it is positive.
func NewRegistry(users store.UserStore, timeout time.Duration) *Registry {
	return &Registry{users: users, timeout: timeout}
}

func (r *Registry) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Provision returns the user holding displayName, creating one with a fresh
// session id if none exists. Calls for the same name share one store round
// trip; an insert rejected by another writer is followed by a re-read so that
// only one record per name survives.
func (r *Registry) Provision(ctx context.Context, displayName string) (chat.User, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return chat.User{}, fmt.Errorf("%w: displayName is required", chat.ErrInvalidInput)
	}

	// Shared by every waiter; the first caller's cancellation does not apply.
	shared := context.WithoutCancel(ctx)
	v, err, _ := r.sf.Do(name, func() (interface{}, error) {
		return r.provision(shared, name)
	})
	if err != nil {
		return chat.User{}, err
	}

	u, ok := v.(chat.User)
	if !ok {
		return chat.User{}, fmt.Errorf("unexpected result type from singleflight")
	}
	return u, nil
}

func (r *Registry) provision(ctx context.Context, name string) (chat.User, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	existing, err := r.users.FindByDisplayName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return chat.User{}, fmt.Errorf("failed to find user: %w", err)
	}

	created, err := r.users.Create(ctx, chat.User{
		SessionID:   chat.NewSessionID(),
		DisplayName: name,
	})
	if err == nil {
		l := logging.Ctx(ctx)
		l.Info().
			Str(logging.FieldSessionID, created.SessionID).
			Msg("provisioned session")
		return created, nil
	}

	// Lost a race with another writer.
	if winner, findErr := r.users.FindByDisplayName(ctx, name); findErr == nil {
		return winner, nil
	}
	return chat.User{}, fmt.Errorf("failed to create user: %w", err)
}

// Lookup returns the user for sessionID. found is false when no such session
// exists.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (chat.User, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return chat.User{}, false, nil
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()

	u, err := r.users.FindBySession(ctx, sessionID)
	if errors.Is(err, chat.ErrNotFound) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, err
	}
	return u, true, nil
}

// Touch records that sessionID is in use, setting its display name when one
// is given.
func (r *Registry) Touch(ctx context.Context, sessionID, displayName string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: sessionId is required", chat.ErrInvalidInput)
	}

	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.users.Touch(ctx, sessionID, strings.TrimSpace(displayName))
}

// Resolve returns the user id behind sessionID, or "" when it cannot be
// determined for any reason.
func (r *Registry) Resolve(ctx context.Context, sessionID string) string {
	u, found, err := r.Lookup(ctx, sessionID)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Debug().Err(err).Str(logging.FieldSessionID, sessionID).Msg("user resolve failed")
		return ""
	}
	if !found {
		return ""
	}
	return u.ID
}

// Users lists every known user, oldest first.
func (r *Registry) Users(ctx context.Context) ([]chat.User, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.users.Users(ctx)
}
