// Package chat defines the domain model shared by the relay, its stores, and
// the edge client: messages, their typed metadata, users, and room keys.
package chat

import (
	"strings"
	"time"
)

// Sender identifies which side of a support conversation wrote a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAdmin    Sender = "admin"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderAdmin
}

// Role is the declared role of a live connection inside a room.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Meta is the typed metadata attached to every message.
type Meta struct {
	SessionID   string `json:"sessionId,omitempty"`
	Room        string `json:"room,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	UserID      string `json:"userId,omitempty"`
}

// Normalize trims every field.
func (m Meta) Normalize() Meta {
	return Meta{
		SessionID:   strings.TrimSpace(m.SessionID),
		Room:        strings.TrimSpace(m.Room),
		DisplayName: strings.TrimSpace(m.DisplayName),
		UserID:      strings.TrimSpace(m.UserID),
	}
}

// Message is the canonical record broadcast to room members and returned by
// history queries. It is immutable once persisted.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Meta      Meta      `json:"meta"`
}

// Inbound is what a connection asks the router to send.
type Inbound struct {
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
	Meta   Meta   `json:"meta"`
}

// Validate normalizes the inbound message and rejects unknown senders and
// blank text.
func (in Inbound) Validate() (Inbound, error) {
	in.Meta = in.Meta.Normalize()
	if !in.Sender.Valid() {
		return in, invalidf("unknown sender %q", in.Sender)
	}
	if strings.TrimSpace(in.Text) == "" {
		return in, invalidf("text is required")
	}
	return in, nil
}

// Summary is the short form of a room's latest message.
type Summary struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary describes one room in the admin listing.
type RoomSummary struct {
	Room        string   `json:"room"`
	SessionID   string   `json:"sessionId"`
	DisplayName *string  `json:"displayName"`
	Last        *Summary `json:"last"`
	Online      bool     `json:"online"`
}
