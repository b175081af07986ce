package edge_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/supportchat/internal/auth"
	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/config"
	"github.com/Tyrowin/supportchat/internal/edge"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/relay"
	"github.com/Tyrowin/supportchat/internal/server"
	"github.com/Tyrowin/supportchat/internal/store"
	"github.com/Tyrowin/supportchat/internal/store/storetest"
)

const testOrigin = "http://localhost:5173"

type relayServer struct {
	srv *server.Server
	url string
}

func startRelay(t *testing.T) *relayServer {
	t.Helper()

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testOrigin}

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

	return &relayServer{srv: srv, url: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
}

func (r *relayServer) dial(t *testing.T, opts edge.Options) *edge.Client {
	t.Helper()
	opts.URL = r.url
	opts.Origin = testOrigin

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := edge.Dial(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Join(ctx))
	return c
}

func TestConnectedSendWaitsForBroadcast(t *testing.T) {
	r := startRelay(t)
	room := "session:s_edge0000"

	received := make(chan chat.Message, 4)
	customer := r.dial(t, edge.Options{
		Room:        room,
		DisplayName: "Alice",
		OnMessage:   func(m chat.Message) { received <- m },
	})
	admin := r.dial(t, edge.Options{Room: room, Role: chat.RoleAdmin})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, customer.Send(ctx, "hello", chat.SenderCustomer, chat.Meta{}))

	select {
	case m := <-received:
		assert.Equal(t, "hello", m.Text)
		assert.Equal(t, room, m.Room)
		assert.Equal(t, "s_edge0000", m.Meta.SessionID)
		assert.Equal(t, "Alice", m.Meta.DisplayName)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast not received")
	}

	require.Len(t, customer.Visible(), 1)
	assert.Eventually(t, func() bool { return len(admin.Visible()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, customer.Visible()[0].ID, admin.Visible()[0].ID)
}

func TestHistoryAndBackfill(t *testing.T) {
	r := startRelay(t)
	room := "session:s_back0000"

	writer := r.dial(t, edge.Options{Room: room})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, text := range []string{"first", "second"} {
		require.NoError(t, writer.Send(ctx, text, chat.SenderCustomer, chat.Meta{}))
	}
	assert.Eventually(t, func() bool { return len(writer.Visible()) == 2 }, 2*time.Second, 10*time.Millisecond)

	reader := r.dial(t, edge.Options{Room: room, Role: chat.RoleAdmin})
	require.Empty(t, reader.Visible())
	require.NoError(t, reader.Backfill(ctx))
	assert.Equal(t, []string{"first", "second"}, texts(reader.Visible()))

	msgs, err := reader.History(ctx, room, "s_other000")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = reader.History(ctx, "", "")
	var remote *edge.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "BAD_REQUEST", remote.Code)
}

func TestOfflineSendUsesFallbackLog(t *testing.T) {
	path := edge.SessionLogPath(t.TempDir(), "s_off00000")
	c := edge.NewOffline(edge.Options{
		Room:     "session:s_off00000",
		Fallback: edge.NewFileLog(path),
	})

	assert.False(t, c.Connected())
	require.NoError(t, c.Send(context.Background(), "while offline", chat.SenderCustomer, chat.Meta{}))

	visible := c.Visible()
	require.Len(t, visible, 1)
	assert.NotEmpty(t, visible[0].ID)
	assert.Equal(t, "session:s_off00000", visible[0].Room)
	assert.Equal(t, "s_off00000", visible[0].Meta.SessionID)

	stored, err := edge.NewFileLog(path).Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, visible[0].ID, stored[0].ID)

	restored := edge.NewOffline(edge.Options{Room: "session:s_off00000", Fallback: edge.NewFileLog(path)})
	require.NoError(t, restored.Restore())
	assert.Equal(t, []string{"while offline"}, texts(restored.Visible()))

	_, err = c.History(context.Background(), "session:s_off00000", "")
	assert.ErrorIs(t, err, edge.ErrDisconnected)
}

func TestSendAfterServerShutdownFallsBack(t *testing.T) {
	r := startRelay(t)
	path := filepath.Join(t.TempDir(), "log.json")
	c := r.dial(t, edge.Options{Room: "session:s_drop0000", Fallback: edge.NewFileLog(path)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.srv.Shutdown(ctx))

	assert.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send(context.Background(), "queued", chat.SenderCustomer, chat.Meta{}))
	assert.Equal(t, []string{"queued"}, texts(c.Visible()))

	stored, err := edge.NewFileLog(path).Load()
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
