package store

import (
	"context"
	"errors"

	"github.com/Tyrowin/supportchat/internal/chat"
)

var errNoDatabase = errors.New("no database connection")

// Unavailable stands in for the durable store when the database could not be
// opened at startup. Every call fails immediately.
type Unavailable struct{}

func (Unavailable) Append(context.Context, chat.Message) (chat.Message, error) {
	return chat.Message{}, chat.Unavailable("append message", errNoDatabase)
}

func (Unavailable) List(context.Context, string, string) ([]chat.Message, error) {
	return nil, chat.Unavailable("list messages", errNoDatabase)
}

func (Unavailable) Last(context.Context, string) (chat.Message, error) {
	return chat.Message{}, chat.Unavailable("last message", errNoDatabase)
}

func (Unavailable) DeleteRoom(context.Context, string) error {
	return chat.Unavailable("delete room", errNoDatabase)
}

func (Unavailable) FindBySession(context.Context, string) (chat.User, error) {
	return chat.User{}, chat.Unavailable("find user", errNoDatabase)
}

func (Unavailable) FindByDisplayName(context.Context, string) (chat.User, error) {
	return chat.User{}, chat.Unavailable("find user", errNoDatabase)
}

func (Unavailable) Create(context.Context, chat.User) (chat.User, error) {
	return chat.User{}, chat.Unavailable("create user", errNoDatabase)
}

func (Unavailable) Touch(context.Context, string, string) error {
	return chat.Unavailable("touch user", errNoDatabase)
}

func (Unavailable) Users(context.Context) ([]chat.User, error) {
	return nil, chat.Unavailable("list users", errNoDatabase)
}
