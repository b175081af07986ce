// Package store holds the relay's two message logs: the durable gorm-backed
// store for messages and users, and the in-process transient log used while
// the durable store is unreachable.
package store

import (
	"context"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	// Append persists msg and returns it with the store-assigned id and
	// timestamp.
	Append(ctx context.Context, msg chat.Message) (chat.Message, error)
	// List returns the room's messages in ascending creation order, filtered
	// by meta.sessionId when sessionID is non-empty.
	List(ctx context.Context, room, sessionID string) ([]chat.Message, error)
	// Last returns the most recent message of room, or chat.ErrNotFound.
	Last(ctx context.Context, room string) (chat.Message, error)
	// DeleteRoom removes every message of room.
	DeleteRoom(ctx context.Context, room string) error
}

// UserStore persists identities.
type UserStore interface {
	FindBySession(ctx context.Context, sessionID string) (chat.User, error)
	FindByDisplayName(ctx context.Context, displayName string) (chat.User, error)
	// Create inserts u. It fails if the session id or display name is taken.
	Create(ctx context.Context, u chat.User) (chat.User, error)
	// Touch creates the session if missing and sets its display name when
	// displayName is non-empty.
	Touch(ctx context.Context, sessionID, displayName string) error
	Users(ctx context.Context) ([]chat.User, error)
}
