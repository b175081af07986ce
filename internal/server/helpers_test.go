package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/supportchat/internal/auth"
	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/relay"
	"github.com/Tyrowin/supportchat/internal/server"
	"github.com/Tyrowin/supportchat/internal/store"
	"github.com/Tyrowin/supportchat/internal/store/storetest"
)

const testOrigin = "http://localhost:5173"

type harness struct {
	t     *testing.T
	ts    *httptest.Server
	srv   *server.Server
	mem   *storetest.Memory
	rooms *relay.RoomRegistry
}

func newHarness(t *testing.T, customize func(cfg *config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testOrigin}
	if customize != nil {
		customize(&cfg)
	}

	mem := storetest.NewMemory()
	transient := store.NewTransientLog()
	ids := identity.NewRegistry(mem, time.Second)
	rooms := relay.NewRoomRegistry(ids, nil, time.Second)
	hub := server.NewHub()
	router := relay.NewRouter(mem, transient, rooms, ids, hub, relay.RouterConfig{StoreTimeout: time.Second})
	history := relay.NewHistoryService(mem, transient, ids, nil, time.Second)

	srv := server.New(cfg, server.Deps{
		Hub:         hub,
		Relay:       &server.Relay{Rooms: rooms, Router: router, History: history},
		Identity:    ids,
		Credentials: auth.NewStaticCredentials(cfg.Admin),
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		rooms.Close()
	})

	return &harness{t: t, ts: ts, srv: srv, mem: mem, rooms: rooms}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws"
}

func (h *harness) do(method, path string, body any) (*http.Response, []byte) {
	h.t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

// frame is the decoded form of any server frame.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []frame
}

func (h *harness) dial() *wsClient {
	h.t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	header.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(h.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })

	return &wsClient{t: h.t, conn: conn}
}

func (c *wsClient) send(frameType, requestID string, payload any) {
	c.t.Helper()
	out := map[string]any{"type": frameType}
	if requestID != "" {
		out["requestId"] = requestID
	}
	if payload != nil {
		out["payload"] = payload
	}
	require.NoError(c.t, c.conn.WriteJSON(out))
}

// next returns the next frame, splitting websocket messages that carry
// several newline-separated frames.
func (c *wsClient) next(timeout time.Duration) (frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return frame{}, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}

	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return frame{}, err
		}
		c.pending = append(c.pending, f)
	}
	return c.next(timeout)
}

func (c *wsClient) expect(frameType string) frame {
	c.t.Helper()
	f, err := c.next(3 * time.Second)
	require.NoError(c.t, err)
	require.Equal(c.t, frameType, f.Type, "payload: %s", string(f.Payload))
	return f
}

func (c *wsClient) expectNothing(timeout time.Duration) {
	c.t.Helper()
	f, err := c.next(timeout)
	if err == nil {
		c.t.Fatalf("expected no frame, got %s: %s", f.Type, string(f.Payload))
	}
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
	}
	require.True(c.t, netErr != nil && netErr.Timeout(), "unexpected error: %v", err)
}

func (c *wsClient) join(room string, role string, extra map[string]string) {
	c.t.Helper()
	payload := map[string]string{"room": room, "role": role}
	for k, v := range extra {
		payload[k] = v
	}
	c.send("join", "join-"+room, payload)
	f := c.expect("joined")
	require.Equal(c.t, "join-"+room, f.RequestID)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v))
	return v
}
