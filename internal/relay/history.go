package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/presence"
	"github.com/Tyrowin/supportchat/internal/store"
)

const listRoomsFanout = 8

// UserLister enumerates known users.
type UserLister interface {
	Users(ctx context.Context) ([]chat.User, error)
}

// HistoryService answers history and room listing queries. The durable store
// is authoritative whenever it answers; the transient log is consulted only
// when it does not. Results from the two are never merged.
type HistoryService struct {
	messages  store.MessageStore
	transient *store.TransientLog
	users     UserLister
	presence  presence.Registry
	timeout   time.Duration
}

// NewHistoryService creates the service. pres may be nil.
func NewHistoryService(
	messages store.MessageStore,
	transient *store.TransientLog,
	users UserLister,
	pres presence.Registry,
	timeout time.Duration,
) *HistoryService {
	if pres == nil {
		pres = presence.Noop{}
	}
	return &HistoryService{
		messages:  messages,
		transient: transient,
		users:     users,
		presence:  pres,
		timeout:   timeout,
	}
}

func (h *HistoryService) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

// History returns the room's messages oldest first, restricted to one
// session when sessionID is set. The result is never nil.
func (h *HistoryService) History(ctx context.Context, room, sessionID string) ([]chat.Message, error) {
	room = strings.TrimSpace(room)
	sessionID = strings.TrimSpace(sessionID)
	if room == "" {
		return nil, fmt.Errorf("%w: room is required", chat.ErrInvalidInput)
	}

	storeCtx, cancel := h.bound(ctx)
	msgs, err := h.messages.List(storeCtx, room, sessionID)
	cancel()
	if err == nil {
		if msgs == nil {
			msgs = []chat.Message{}
		}
		return msgs, nil
	}

	l := logging.Ctx(ctx)
	l.Warn().Err(err).Str(logging.FieldRoom, room).Msg("durable history failed, serving transient log")
	return h.transient.List(room, sessionID), nil
}

// ListRooms returns one summary per known user with the latest message of
// their room. When users or messages cannot be read from the durable store it
// lists the rooms seen by the transient log instead.
func (h *HistoryService) ListRooms(ctx context.Context) ([]chat.RoomSummary, error) {
	rooms, err := h.durableRooms(ctx)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Msg("durable room listing failed, serving transient log")
		rooms = h.transientRooms()
	}

	h.markOnline(ctx, rooms)
	return rooms, nil
}

func (h *HistoryService) durableRooms(ctx context.Context) ([]chat.RoomSummary, error) {
	storeCtx, cancel := h.bound(ctx)
	defer cancel()

	users, err := h.users.Users(storeCtx)
	if err != nil {
		return nil, err
	}

	out := make([]chat.RoomSummary, len(users))
	g, gCtx := errgroup.WithContext(storeCtx)
	g.SetLimit(listRoomsFanout)

	for i, u := range users {
		i, u := i, u
		out[i] = chat.RoomSummary{
			Room:        u.Room(),
			SessionID:   u.SessionID,
			DisplayName: optional(u.DisplayName),
		}
		g.Go(func() error {
			last, err := h.messages.Last(gCtx, out[i].Room)
			if errors.Is(err, chat.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			out[i].Last = &chat.Summary{Text: last.Text, CreatedAt: last.CreatedAt}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (h *HistoryService) transientRooms() []chat.RoomSummary {
	rooms := h.transient.Rooms()
	out := make([]chat.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		summary := chat.RoomSummary{
			Room:      room,
			SessionID: chat.SessionFromRoom(room),
		}
		if last, ok := h.transient.Last(room); ok {
			summary.DisplayName = optional(last.Meta.DisplayName)
			summary.Last = &chat.Summary{Text: last.Text, CreatedAt: last.CreatedAt}
		}
		out = append(out, summary)
	}
	return out
}

func (h *HistoryService) markOnline(ctx context.Context, rooms []chat.RoomSummary) {
	if len(rooms) == 0 {
		return
	}
	keys := make([]string, len(rooms))
	for i := range rooms {
		keys[i] = rooms[i].Room
	}

	storeCtx, cancel := h.bound(ctx)
	defer cancel()

	online, err := h.presence.Online(storeCtx, keys)
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Msg("presence lookup failed")
		return
	}
	for i := range rooms {
		rooms[i].Online = online[rooms[i].Room]
	}
}

// ClearRoom deletes the room's durable messages, ignoring failures, and
// empties its transient log. Clearing an empty room succeeds.
func (h *HistoryService) ClearRoom(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return fmt.Errorf("%w: room is required", chat.ErrInvalidInput)
	}

	storeCtx, cancel := h.bound(ctx)
	err := h.messages.DeleteRoom(storeCtx, room)
	cancel()
	if err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Str(logging.FieldRoom, room).Msg("durable clear failed")
	}

	h.transient.Clear(room)

	l := logging.Ctx(ctx)
	l.Info().Str(logging.FieldRoom, room).Msg("room cleared")
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
