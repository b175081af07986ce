// Package edge is the connecting side of the relay protocol: a WebSocket
// client that keeps a visible message list, suppresses echoed duplicates, and
// falls back to a local log while disconnected.
package edge

import (
	"sync"
	"time"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// KeyPrecision is the timestamp granularity used when comparing messages.
const KeyPrecision = time.Second

// Key identifies a message for duplicate suppression.
type Key struct {
	Sender    chat.Sender
	Text      string
	CreatedAt time.Time
}

// KeyOf returns the dedupe key of m.
func KeyOf(m chat.Message) Key {
	return Key{
		Sender:    m.Sender,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC().Truncate(KeyPrecision),
	}
}

// Reconciler holds the visible message list. Only the most recent visible
// message is compared against incoming broadcasts, so duplicates are caught
// only when they arrive back to back.
type Reconciler struct {
	mu      sync.RWMutex
	visible []chat.Message
}

// NewReconciler returns an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// Apply appends an incoming broadcast unless it duplicates the last visible
// message. It reports whether msg was appended.
func (r *Reconciler) Apply(msg chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.visible); n > 0 && KeyOf(r.visible[n-1]) == KeyOf(msg) {
		return false
	}
	r.visible = append(r.visible, msg)
	return true
}

// AppendLocal appends a message produced while offline.
func (r *Reconciler) AppendLocal(msg chat.Message) {
	r.mu.Lock()
	r.visible = append(r.visible, msg)
	r.mu.Unlock()
}

// Backfill replaces the visible list with history. An empty history leaves
// the list untouched.
func (r *Reconciler) Backfill(history []chat.Message) {
	if len(history) == 0 {
		return
	}
	r.mu.Lock()
	r.visible = append([]chat.Message(nil), history...)
	r.mu.Unlock()
}

// Visible returns a copy of the visible list.
func (r *Reconciler) Visible() []chat.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]chat.Message(nil), r.visible...)
}
