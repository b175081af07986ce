package chat

import (
	"crypto/rand"
	"strings"
	"time"
)

// RoomPrefix is prepended to a session id to form its customer room key.
const RoomPrefix = "session:"

// User binds a session id to a human display name.
type User struct {
	ID          string    `json:"id,omitempty"`
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Room returns the customer room for the user's session.
func (u User) Room() string {
	return RoomForSession(u.SessionID)
}

// RoomForSession returns "session:<sessionID>".
func RoomForSession(sessionID string) string {
	return RoomPrefix + sessionID
}

// SessionFromRoom strips the "session:" prefix. Rooms without the prefix are
// returned unchanged.
func SessionFromRoom(room string) string {
	return strings.TrimPrefix(room, RoomPrefix)
}

const sessionAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewSessionID returns "s_" followed by eight random base36 characters.
func NewSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	out := make([]byte, 0, 10)
	out = append(out, 's', '_')
	for _, b := range buf {
		out = append(out, sessionAlphabet[int(b)%len(sessionAlphabet)])
	}
	return string(out)
}
