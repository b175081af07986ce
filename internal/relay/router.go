package relay

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/store"
)

// DefaultRoom receives messages from connections that name no room and have
// joined none.
const DefaultRoom = "global"

// Broadcaster delivers a message to live connections.
type Broadcaster interface {
	Broadcast(connectionIDs []string, msg chat.Message)
}

// UserResolver maps a session id to a user id, or "" if unknown.
type UserResolver interface {
	Resolve(ctx context.Context, sessionID string) string
}

// RouterConfig tunes the router.
type RouterConfig struct {
	// StoreTimeout bounds each durable append.
	StoreTimeout time.Duration
	DefaultRoom  string
}

// Router is the only writer to the message stores. Sends to the same room are
// serialized from persistence through broadcast, so every member observes a
// room's messages in commit order. Different rooms proceed in parallel.
type Router struct {
	messages  store.MessageStore
	transient *store.TransientLog
	rooms     *RoomRegistry
	users     UserResolver
	out       Broadcaster
	cfg       RouterConfig
	locks     *roomLocks
	now       func() time.Time
}

// NewRouter wires a router. users may be nil.
func NewRouter(
	messages store.MessageStore,
	transient *store.TransientLog,
	rooms *RoomRegistry,
	users UserResolver,
	out Broadcaster,
	cfg RouterConfig,
) *Router {
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = DefaultRoom
	}
	return &Router{
		messages:  messages,
		transient: transient,
		rooms:     rooms,
		users:     users,
		out:       out,
		cfg:       cfg,
		locks:     newRoomLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Send validates in, commits it to the durable store or, failing that, the
// transient log, and broadcasts the committed record to every member of its
// room including the sender. Only validation errors are returned.
func (r *Router) Send(ctx context.Context, connectionID string, in chat.Inbound) (chat.Message, error) {
	in, err := in.Validate()
	if err != nil {
		return chat.Message{}, err
	}

	room := r.resolveRoom(connectionID, in.Meta.Room)
	meta := in.Meta
	meta.Room = room

	if r.users != nil {
		sessionID := meta.SessionID
		if sessionID == "" {
			sessionID = chat.SessionFromRoom(room)
		}
		meta.UserID = r.users.Resolve(ctx, sessionID)
	}

	msg := chat.Message{
		Room:   room,
		Sender: in.Sender,
		Text:   strings.TrimSpace(in.Text),
		Meta:   meta,
	}

	unlock := r.locks.lock(room)
	defer unlock()

	committed := r.commit(ctx, msg)
	r.out.Broadcast(r.rooms.MembersOf(room), committed)
	return committed, nil
}

func (r *Router) resolveRoom(connectionID, requested string) string {
	if requested != "" {
		return requested
	}
	if last := r.rooms.LastRoom(connectionID); last != "" {
		return last
	}
	return r.cfg.DefaultRoom
}

func (r *Router) commit(ctx context.Context, msg chat.Message) chat.Message {
	storeCtx, cancel := r.bound(ctx)
	stored, err := r.messages.Append(storeCtx, msg)
	cancel()
	if err == nil {
		return stored
	}

	msg.ID = uuid.NewString()
	msg.CreatedAt = r.now()
	r.transient.Append(msg)

	l := logging.Ctx(ctx)
	l.Warn().Err(err).
		Str(logging.FieldRoom, msg.Room).
		Str(logging.FieldMessageID, msg.ID).
		Msg("durable append failed, message kept in transient log")
	return msg
}

// bound detaches from the caller's cancellation so that a disconnect cannot
// abort a commit already in progress, then applies the store timeout.
func (r *Router) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if r.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.StoreTimeout)
}
