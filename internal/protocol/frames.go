// Package protocol defines the JSON frames exchanged over the relay's
// WebSocket endpoint.
package protocol

import (
	"encoding/json"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// Frame types sent by clients.
const (
	FrameJoin       = "join"
	FrameMessage    = "message"
	FrameGetHistory = "getHistory"
	FrameLeave      = "leave"
	FramePing       = "ping"
)

// Frame types sent by the server. FrameMessage is used in both directions.
const (
	FrameJoined  = "joined"
	FrameHistory = "history"
	FrameError   = "error"
	FramePong    = "pong"
)

// Error codes carried by error frames.
const (
	ErrCodeBadRequest  = "BAD_REQUEST"
	ErrCodeRateLimited = "RATE_LIMITED"
	ErrCodeInternal    = "INTERNAL_ERROR"
)

// InboundFrame is the envelope of every client frame. RequestID, when set, is
// echoed on the direct reply.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// OutboundFrame is the envelope of every server frame.
type OutboundFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// JoinPayload asks to enter a room.
type JoinPayload struct {
	Room        string    `json:"room"`
	Role        chat.Role `json:"role"`
	SessionID   string    `json:"sessionId,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
}

// JoinedPayload confirms a join.
type JoinedPayload struct {
	Room string    `json:"room"`
	Role chat.Role `json:"role"`
}

// HistoryRequest asks for a room's messages.
type HistoryRequest struct {
	Room      string `json:"room"`
	SessionID string `json:"sessionId,omitempty"`
}

// HistoryPayload answers a HistoryRequest.
type HistoryPayload struct {
	Room     string         `json:"room"`
	Messages []chat.Message `json:"messages"`
}

// ErrorPayload describes a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
