// Package storetest provides in-memory stores with failure switches for tests
// of the packages built on top of store.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/supportchat/internal/chat"
)

var errInjected = errors.New("injected failure")

// Memory implements store.MessageStore and store.UserStore in memory.
//
// SetFailing makes every call return chat.ErrStoreUnavailable. SetHanging makes
// every call block until its context is done. Calls made with a context that
// is already done fail the way a database driver would.
type Memory struct {
	mu       sync.Mutex
	seq      uint64
	messages []chat.Message
	users    []chat.User
	failing  bool
	hanging  bool
	calls    int
	now      func() time.Time
}

// NewMemory returns an empty healthy store.
func NewMemory() *Memory {
	return &Memory{now: func() time.Time { return time.Now().UTC() }}
}

// SetFailing toggles immediate failures.
func (m *Memory) SetFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

// SetHanging toggles blocking until context cancellation.
func (m *Memory) SetHanging(v bool) {
	m.mu.Lock()
	m.hanging = v
	m.mu.Unlock()
}

// Calls returns how many store operations were attempted.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Messages returns a copy of everything persisted.
func (m *Memory) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]chat.Message(nil), m.messages...)
}

func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls++
	failing, hanging := m.failing, m.hanging
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return chat.Unavailable(op, err)
	}
	if hanging {
		<-ctx.Done()
		return chat.Unavailable(op, ctx.Err())
	}
	if failing {
		return chat.Unavailable(op, errInjected)
	}
	return nil
}

func (m *Memory) Append(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := m.enter(ctx, "append message"); err != nil {
		return chat.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	msg.ID = strconv.FormatUint(m.seq, 10)
	msg.CreatedAt = m.now()
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) List(ctx context.Context, room, sessionID string) ([]chat.Message, error) {
	if err := m.enter(ctx, "list messages"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []chat.Message{}
	for _, msg := range m.messages {
		if msg.Room != room {
			continue
		}
		if sessionID != "" && msg.Meta.SessionID != sessionID {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) Last(ctx context.Context, room string) (chat.Message, error) {
	if err := m.enter(ctx, "last message"); err != nil {
		return chat.Message{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Room == room {
			return m.messages[i], nil
		}
	}
	return chat.Message{}, chat.ErrNotFound
}

func (m *Memory) DeleteRoom(ctx context.Context, room string) error {
	if err := m.enter(ctx, "delete room"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.Room != room {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

func (m *Memory) FindBySession(ctx context.Context, sessionID string) (chat.User, error) {
	if err := m.enter(ctx, "find user"); err != nil {
		return chat.User{}, err
	}
	return m.find(func(u chat.User) bool { return u.SessionID == sessionID })
}

func (m *Memory) FindByDisplayName(ctx context.Context, displayName string) (chat.User, error) {
	if err := m.enter(ctx, "find user"); err != nil {
		return chat.User{}, err
	}
	return m.find(func(u chat.User) bool { return u.DisplayName != "" && u.DisplayName == displayName })
}

func (m *Memory) find(match func(chat.User) bool) (chat.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return u, nil
		}
	}
	return chat.User{}, chat.ErrNotFound
}

func (m *Memory) Create(ctx context.Context, u chat.User) (chat.User, error) {
	if err := m.enter(ctx, "create user"); err != nil {
		return chat.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.SessionID == u.SessionID || (u.DisplayName != "" && existing.DisplayName == u.DisplayName) {
			return chat.User{}, chat.Unavailable("create user", errors.New("unique constraint violated"))
		}
	}
	u.ID = uuid.NewString()
	u.CreatedAt = m.now()
	m.users = append(m.users, u)
	return u, nil
}

func (m *Memory) Touch(ctx context.Context, sessionID, displayName string) error {
	if err := m.enter(ctx, "touch user"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.users {
		if m.users[i].SessionID == sessionID {
			if displayName != "" {
				m.users[i].DisplayName = displayName
			}
			return nil
		}
	}
	m.users = append(m.users, chat.User{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		DisplayName: displayName,
		CreatedAt:   m.now(),
	})
	return nil
}

func (m *Memory) Users(ctx context.Context) ([]chat.User, error) {
	if err := m.enter(ctx, "list users"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := append([]chat.User(nil), m.users...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
