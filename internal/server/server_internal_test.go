package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/supportchat/internal/chat"
)

func TestRateLimiterRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, time.Second)
	rl.lastCheck = now
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(10 * time.Second)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow(), "bucket must not exceed capacity")
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.Equal(t, float64(1), rl.capacity)
	assert.Equal(t, float64(1), rl.rate)
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"http://LOCALHOST:5173", " ", "not a url", "https://support.example.com"})

	assert.True(t, p.allows("http://localhost:5173"))
	assert.True(t, p.allows("https://support.example.com"))
	assert.False(t, p.allows("http://localhost:4000"))
	assert.False(t, p.allows(""))
	assert.False(t, p.allows("localhost"))

	all := newOriginPolicy([]string{"*"})
	assert.True(t, all.allows("http://anything.test"))
	assert.False(t, all.allows(""))

	req, err := http.NewRequest(http.MethodGet, "http://relay/ws", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://support.example.com")
	assert.True(t, p.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, p.checkOrigin(req))
}

func TestHubBroadcastAfterShutdownReturns(t *testing.T) {
	h := NewHub()
	go h.Run()
	require.NoError(t, h.Shutdown(time.Second))

	done := make(chan struct{})
	go func() {
		h.Broadcast([]string{"gone"}, chat.Message{ID: "1", Room: "r", Text: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked after shutdown")
	}
	assert.Zero(t, h.ClientCount())
}

func TestIsExpectedCloseError(t *testing.T) {
	assert.True(t, isExpectedCloseError(nil))
	assert.True(t, isExpectedCloseError(&net.OpError{Op: "write", Err: syscall.EPIPE}))
	assert.True(t, isExpectedCloseError(fmt.Errorf("close: %w", net.ErrClosed)))
	assert.True(t, isExpectedCloseError(websocket.ErrCloseSent))
	assert.False(t, isExpectedCloseError(errors.New("boom")))
}
