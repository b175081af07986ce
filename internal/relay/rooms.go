// Package relay is the room-scoped core of the chat relay: live room
// membership, the persist-then-broadcast message router, and history queries
// with durable-then-transient fallback.
package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/presence"
)

// IdentityToucher records that a session is in use.
type IdentityToucher interface {
	Touch(ctx context.Context, sessionID, displayName string) error
}

// JoinRequest is a connection's request to enter a room.
type JoinRequest struct {
	ConnectionID string
	Room         string
	Role         chat.Role
	SessionID    string
	DisplayName  string
}

type presenceUpdate struct {
	room     string
	occupied bool
}

// RoomRegistry tracks which live connections belong to which rooms. A
// connection may be a member of several rooms at once; the most recently
// joined one is its default send target.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]chat.Role // room -> connection -> role
	conns map[string]map[string]struct{}  // connection -> rooms
	last  map[string]string

	identity IdentityToucher
	presence presence.Registry
	timeout  time.Duration

	updates chan presenceUpdate
	stop    chan struct{}
	bg      sync.WaitGroup
	bgMu    sync.Mutex
	closed  bool
}

// NewRoomRegistry creates a registry. identity and pres may be nil.
func NewRoomRegistry(identity IdentityToucher, pres presence.Registry, timeout time.Duration) *RoomRegistry {
	if pres == nil {
		pres = presence.Noop{}
	}
	r := &RoomRegistry{
		rooms:    make(map[string]map[string]chat.Role),
		conns:    make(map[string]map[string]struct{}),
		last:     make(map[string]string),
		identity: identity,
		presence: pres,
		timeout:  timeout,
		updates:  make(chan presenceUpdate, 256),
		stop:     make(chan struct{}),
	}

	r.bg.Add(1)
	go r.publishPresence()
	return r
}

// Join adds the connection to the room. Customer joins also record the
// session with the identity registry in the background; that bookkeeping
// never fails the join.
func (r *RoomRegistry) Join(req JoinRequest) (JoinRequest, error) {
	req.Room = strings.TrimSpace(req.Room)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.ConnectionID == "" {
		return req, fmt.Errorf("%w: connection id is required", chat.ErrInvalidInput)
	}
	if req.Room == "" {
		return req, fmt.Errorf("%w: room is required", chat.ErrInvalidInput)
	}
	switch req.Role {
	case "":
		req.Role = chat.RoleCustomer
	case chat.RoleCustomer, chat.RoleAdmin:
	default:
		return req, fmt.Errorf("%w: unknown role %q", chat.ErrInvalidInput, req.Role)
	}

	r.mu.Lock()
	members, ok := r.rooms[req.Room]
	if !ok {
		members = make(map[string]chat.Role)
		r.rooms[req.Room] = members
	}
	first := len(members) == 0
	members[req.ConnectionID] = req.Role

	joined, ok := r.conns[req.ConnectionID]
	if !ok {
		joined = make(map[string]struct{})
		r.conns[req.ConnectionID] = joined
	}
	joined[req.Room] = struct{}{}
	r.last[req.ConnectionID] = req.Room
	if first {
		r.publish(req.Room, true)
	}
	r.mu.Unlock()

	if req.Role == chat.RoleCustomer {
		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = chat.SessionFromRoom(req.Room)
		}
		r.touch(sessionID, req.DisplayName, req.Room)
	}

	return req, nil
}

func (r *RoomRegistry) touch(sessionID, displayName, room string) {
	if r.identity == nil || sessionID == "" {
		return
	}

	r.bgMu.Lock()
	if r.closed {
		r.bgMu.Unlock()
		l := logging.L()
		l.Debug().Str(logging.FieldSessionID, sessionID).Msg("registry closed, skipping identity upsert")
		return
	}
	r.bg.Add(1)
	r.bgMu.Unlock()

	go func() {
		defer r.bg.Done()

		ctx := context.Background()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		if err := r.identity.Touch(ctx, sessionID, displayName); err != nil {
			l := logging.L()
			l.Warn().Err(err).
				Str(logging.FieldSessionID, sessionID).
				Str(logging.FieldRoom, room).
				Msg("identity upsert on join failed")
		}
	}()
}

// Leave removes every membership of the connection.
func (r *RoomRegistry) Leave(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room := range r.conns[connectionID] {
		members := r.rooms[room]
		delete(members, connectionID)
		if len(members) == 0 {
			delete(r.rooms, room)
			r.publish(room, false)
		}
	}
	delete(r.conns, connectionID)
	delete(r.last, connectionID)
}

// MembersOf returns the connections in room, sorted.
func (r *RoomRegistry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastRoom returns the room the connection joined most recently.
func (r *RoomRegistry) LastRoom(connectionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last[connectionID]
}

// RoleIn returns the connection's role in room.
func (r *RoomRegistry) RoleIn(connectionID, room string) (chat.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.rooms[room][connectionID]
	return role, ok
}

// publish queues a presence update. Callers hold r.mu so updates are queued
// in the order occupancy changed.
func (r *RoomRegistry) publish(room string, occupied bool) {
	select {
	case r.updates <- presenceUpdate{room: room, occupied: occupied}:
	default:
		l := logging.L()
		l.Warn().Str(logging.FieldRoom, room).Msg("presence update dropped")
	}
}

// publishPresence applies updates in order so that a register can never land
// after the deregister that followed it.
func (r *RoomRegistry) publishPresence() {
	defer r.bg.Done()

	for {
		select {
		case <-r.stop:
			return
		case u := <-r.updates:
			r.applyPresence(u)
		}
	}
}

func (r *RoomRegistry) applyPresence(u presenceUpdate) {
	ctx := context.Background()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var err error
	if u.occupied {
		err = r.presence.Register(ctx, u.room)
	} else {
		err = r.presence.Deregister(ctx, u.room)
	}
	if err != nil {
		l := logging.L()
		l.Warn().Err(err).Str(logging.FieldRoom, u.room).Bool("occupied", u.occupied).Msg("presence update failed")
	}
}

// Close stops background work and waits for in-flight identity upserts.
func (r *RoomRegistry) Close() {
	r.bgMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
	r.bgMu.Unlock()
	r.bg.Wait()
}
