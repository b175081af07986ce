package store

import (
	"sort"
	"sync"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// TransientLog is the in-process per-room append log written while the
// durable store is unreachable. Its contents are lost on restart.
type TransientLog struct {
	mu    sync.RWMutex
	rooms map[string][]chat.Message
}

// NewTransientLog returns an empty log.
func NewTransientLog() *TransientLog {
	return &TransientLog{rooms: make(map[string][]chat.Message)}
}

// Append adds msg to the end of its room.
func (t *TransientLog) Append(msg chat.Message) {
	t.mu.Lock()
	t.rooms[msg.Room] = append(t.rooms[msg.Room], msg)
	t.mu.Unlock()
}

// List returns a copy of the room's messages in append order, filtered by
// meta.sessionId when sessionID is non-empty.
func (t *TransientLog) List(room, sessionID string) []chat.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := t.rooms[room]
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if sessionID != "" && m.Meta.SessionID != sessionID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Last returns the newest message of room.
func (t *TransientLog) Last(room string) (chat.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msgs := t.rooms[room]
	if len(msgs) == 0 {
		return chat.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Rooms returns every room that has held a message, sorted.
func (t *TransientLog) Rooms() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rooms := make([]string, 0, len(t.rooms))
	for room := range t.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Clear empties the room but keeps it listed.
func (t *TransientLog) Clear(room string) {
	t.mu.Lock()
	if _, ok := t.rooms[room]; ok {
		t.rooms[room] = nil
	}
	t.mu.Unlock()
}
