package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/identity"
	"github.com/Tyrowin/supportchat/internal/store"
	"github.com/Tyrowin/supportchat/internal/store/storetest"
)

type recorder struct {
	mu   sync.Mutex
	seen map[string][]chat.Message
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string][]chat.Message)}
}

func (r *recorder) Broadcast(ids []string, msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.seen[id] = append(r.seen[id], msg)
	}
}

func (r *recorder) of(id string) []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chat.Message(nil), r.seen[id]...)
}

type fixture struct {
	mem       *storetest.Memory
	transient *store.TransientLog
	ids       *identity.Registry
	rooms     *RoomRegistry
	router    *Router
	history   *HistoryService
	out       *recorder
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		mem:       storetest.NewMemory(),
		transient: store.NewTransientLog(),
		out:       newRecorder(),
	}
	f.ids = identity.NewRegistry(f.mem, timeout)
	f.rooms = NewRoomRegistry(f.ids, nil, timeout)
	f.router = NewRouter(f.mem, f.transient, f.rooms, f.ids, f.out, RouterConfig{StoreTimeout: timeout})
	f.history = NewHistoryService(f.mem, f.transient, f.ids, nil, timeout)
	t.Cleanup(f.rooms.Close)
	return f
}

func (f *fixture) join(t *testing.T, conn, room string, role chat.Role) {
	t.Helper()
	_, err := f.rooms.Join(JoinRequest{ConnectionID: conn, Room: room, Role: role})
	require.NoError(t, err)
}

func texts(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func TestSendBroadcastsToRoomIncludingSender(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	alice, err := f.ids.Provision(ctx, "Alice")
	require.NoError(t, err)
	room := alice.Room()

	f.join(t, "cust", room, chat.RoleCustomer)
	f.join(t, "agent", room, chat.RoleAdmin)
	f.join(t, "other", "session:s_zzzzzzzz", chat.RoleCustomer)

	msg, err := f.router.Send(ctx, "cust", chat.Inbound{
		Text:   "hi",
		Sender: chat.SenderCustomer,
		Meta:   chat.Meta{SessionID: alice.SessionID, Room: room},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, room, msg.Room)
	assert.Equal(t, alice.ID, msg.Meta.UserID)

	for _, conn := range []string{"cust", "agent"} {
		got := f.out.of(conn)
		require.Len(t, got, 1, conn)
		assert.Equal(t, msg, got[0])
	}
	assert.Empty(t, f.out.of("other"))

	hist, err := f.history.History(ctx, room, "")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, msg, hist[0])
}

func TestSendRoomResolution(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	msg, err := f.router.Send(ctx, "lonely", chat.Inbound{Text: "x", Sender: chat.SenderAdmin})
	require.NoError(t, err)
	assert.Equal(t, DefaultRoom, msg.Room)

	f.join(t, "c1", "session:s_first000", chat.RoleCustomer)
	f.join(t, "c1", "session:s_second00", chat.RoleCustomer)
	msg, err = f.router.Send(ctx, "c1", chat.Inbound{Text: "y", Sender: chat.SenderCustomer})
	require.NoError(t, err)
	assert.Equal(t, "session:s_second00", msg.Room)
	assert.Equal(t, "session:s_second00", msg.Meta.Room)

	msg, err = f.router.Send(ctx, "c1", chat.Inbound{
		Text: "z", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: "session:s_first000"},
	})
	require.NoError(t, err)
	assert.Equal(t, "session:s_first000", msg.Room)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, time.Second)

	_, err := f.router.Send(context.Background(), "c", chat.Inbound{Text: "hi", Sender: "bot"})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
	_, err = f.router.Send(context.Background(), "c", chat.Inbound{Text: " ", Sender: chat.SenderAdmin})
	assert.ErrorIs(t, err, chat.ErrInvalidInput)
	assert.Zero(t, f.mem.Calls())
}

func TestPerRoomOrderMatchesCommitOrder(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	room := "session:s_order000"

	for i := 0; i < 3; i++ {
		f.join(t, fmt.Sprintf("m%d", i), room, chat.RoleAdmin)
	}

	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.router.Send(ctx, fmt.Sprintf("s%d", s), chat.Inbound{
					Text:   fmt.Sprintf("%d-%d", s, i),
					Sender: chat.SenderCustomer,
					Meta:   chat.Meta{Room: room},
				})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	committed := texts(f.mem.Messages())
	require.Len(t, committed, senders*perSender)
	for i := 0; i < 3; i++ {
		assert.Equal(t, committed, texts(f.out.of(fmt.Sprintf("m%d", i))))
	}
	assert.Zero(t, f.router.locks.size())
}

func TestFallbackWhenStoreFails(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	room := "session:s_outage00"
	f.join(t, "c", room, chat.RoleCustomer)

	f.mem.SetFailing(true)
	var sent []chat.Message
	for _, text := range []string{"one", "two", "three"} {
		msg, err := f.router.Send(ctx, "c", chat.Inbound{Text: text, Sender: chat.SenderCustomer})
		require.NoError(t, err)
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
		sent = append(sent, msg)
	}

	assert.Equal(t, sent, f.out.of("c"))

	hist, err := f.history.History(ctx, room, "")
	require.NoError(t, err)
	assert.Equal(t, sent, hist)
}

func TestHungStoreOnlyStallsItsOwnSendUntilTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	f.mem.SetHanging(true)
	f.join(t, "c", "r1", chat.RoleCustomer)

	start := time.Now()
	msg, err := f.router.Send(context.Background(), "c", chat.Inbound{Text: "slow", Sender: chat.SenderCustomer})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"slow"}, texts(f.transient.List("r1", "")))
	assert.Len(t, f.out.of("c"), 1)
	assert.Equal(t, msg, f.out.of("c")[0])
}

func TestDisconnectDoesNotAbortCommit(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, err := f.router.Send(ctx, "c", chat.Inbound{Text: "late", Sender: chat.SenderAdmin, Meta: chat.Meta{Room: "r"}})
	require.NoError(t, err)
	require.Len(t, f.mem.Messages(), 1)
	assert.Equal(t, f.mem.Messages()[0], msg)
}

func TestHistoryDurableIsAuthoritative(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	room := "session:s_auth0000"

	f.transient.Append(chat.Message{ID: "t1", Room: room, Text: "from outage"})

	hist, err := f.history.History(ctx, room, "")
	require.NoError(t, err)
	assert.NotNil(t, hist)
	assert.Empty(t, hist)

	f.mem.SetFailing(true)
	hist, err = f.history.History(ctx, room, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"from outage"}, texts(hist))
}

func TestHistorySessionFilter(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	room := "global"

	for _, in := range []chat.Inbound{
		{Text: "a", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room, SessionID: "s_a"}},
		{Text: "b", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room, SessionID: "s_b"}},
		{Text: "a2", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room, SessionID: "s_a"}},
	} {
		_, err := f.router.Send(ctx, "c", in)
		require.NoError(t, err)
	}

	hist, err := f.history.History(ctx, room, "s_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a2"}, texts(hist))

	f.mem.SetFailing(true)
	_, err = f.router.Send(ctx, "c", chat.Inbound{Text: "a3", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room, SessionID: "s_a"}})
	require.NoError(t, err)
	_, err = f.router.Send(ctx, "c", chat.Inbound{Text: "b2", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room, SessionID: "s_b"}})
	require.NoError(t, err)

	hist, err = f.history.History(ctx, room, "s_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, texts(hist))
}

func TestClearRoomIsDestructiveAndIdempotent(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	room := "session:s_clear000"

	_, err := f.router.Send(ctx, "c", chat.Inbound{Text: "durable", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: room}})
	require.NoError(t, err)
	f.transient.Append(chat.Message{ID: "t", Room: room, Text: "transient"})

	require.NoError(t, f.history.ClearRoom(ctx, room))
	hist, err := f.history.History(ctx, room, "")
	require.NoError(t, err)
	assert.Empty(t, hist)
	assert.Empty(t, f.transient.List(room, ""))

	require.NoError(t, f.history.ClearRoom(ctx, room))

	f.mem.SetFailing(true)
	f.transient.Append(chat.Message{ID: "t2", Room: room, Text: "again"})
	require.NoError(t, f.history.ClearRoom(ctx, room))
	assert.Empty(t, f.transient.List(room, ""))

	assert.ErrorIs(t, f.history.ClearRoom(ctx, " "), chat.ErrInvalidInput)
}

func TestListRoomsDurable(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	alice, err := f.ids.Provision(ctx, "Alice")
	require.NoError(t, err)
	bob, err := f.ids.Provision(ctx, "Bob")
	require.NoError(t, err)

	_, err = f.router.Send(ctx, "c", chat.Inbound{Text: "first", Sender: chat.SenderCustomer, Meta: chat.Meta{Room: alice.Room()}})
	require.NoError(t, err)
	_, err = f.router.Send(ctx, "c", chat.Inbound{Text: "latest", Sender: chat.SenderAdmin, Meta: chat.Meta{Room: alice.Room()}})
	require.NoError(t, err)

	rooms, err := f.history.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	byRoom := map[string]chat.RoomSummary{}
	for _, r := range rooms {
		byRoom[r.Room] = r
	}

	a := byRoom[alice.Room()]
	assert.Equal(t, alice.SessionID, a.SessionID)
	require.NotNil(t, a.DisplayName)
	assert.Equal(t, "Alice", *a.DisplayName)
	require.NotNil(t, a.Last)
	assert.Equal(t, "latest", a.Last.Text)

	b := byRoom[bob.Room()]
	assert.Nil(t, b.Last)
	assert.False(t, b.Online)
}

func TestListRoomsFallback(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()
	f.mem.SetFailing(true)

	_, err := f.router.Send(ctx, "c", chat.Inbound{
		Text: "help", Sender: chat.SenderCustomer,
		Meta: chat.Meta{Room: "session:s_carol000", DisplayName: "Carol"},
	})
	require.NoError(t, err)
	_, err = f.router.Send(ctx, "c", chat.Inbound{Text: "hello all", Sender: chat.SenderAdmin, Meta: chat.Meta{Room: "global"}})
	require.NoError(t, err)

	rooms, err := f.history.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	assert.Equal(t, "global", rooms[0].Room)
	assert.Nil(t, rooms[0].DisplayName)

	assert.Equal(t, "session:s_carol000", rooms[1].Room)
	assert.Equal(t, "s_carol000", rooms[1].SessionID)
	require.NotNil(t, rooms[1].DisplayName)
	assert.Equal(t, "Carol", *rooms[1].DisplayName)
	require.NotNil(t, rooms[1].Last)
	assert.Equal(t, "help", rooms[1].Last.Text)
}
