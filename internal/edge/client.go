package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// ErrDisconnected is returned by requests that cannot complete because the
// connection is gone.
var ErrDisconnected = errors.New("edge: not connected")

// RemoteError is an error frame returned by the relay.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	URL              string
	Origin           string
	Room             string
	Role             chat.Role
	SessionID        string
	DisplayName      string
	HandshakeTimeout time.Duration

	// Fallback receives messages sent while disconnected. Optional.
	Fallback *FileLog
	// OnMessage is called for every broadcast that becomes visible.
	OnMessage func(chat.Message)
}

// frame is the decoded form of any server frame.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Client is a relay connection bound to one room.
type Client struct {
	opts Options
	rec  *Reconciler
	log  zerolog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	connected bool
	pending   map[string]chan frame
	loopDone  chan struct{}
}

// NewOffline returns a client with no connection. Every Send goes to the
// local log.
func NewOffline(opts Options) *Client {
	return newClient(opts)
}

// Dial connects to the relay. Call Join before sending.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	c := newClient(opts)

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	header := http.Header{}
	if opts.Origin != "" {
		header.Set("Origin", opts.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	c.conn = conn
	c.connected = true
	c.loopDone = make(chan struct{})
	go c.readLoop()

	c.log.Info().Str("url", opts.URL).Msg("connected to relay")
	return c, nil
}

func newClient(opts Options) *Client {
	if opts.Role == "" {
		opts.Role = chat.RoleCustomer
	}
	if opts.SessionID == "" && opts.Role == chat.RoleCustomer && strings.HasPrefix(opts.Room, chat.RoomPrefix) {
		opts.SessionID = chat.SessionFromRoom(opts.Room)
	}
	return &Client{
		opts:    opts,
		rec:     NewReconciler(),
		pending: make(map[string]chan frame),
		log: logging.L().With().
			Str("component", "edge").
			Str(logging.FieldRoom, opts.Room).
			Logger(),
	}
}

// Connected reports whether the connection is still open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Visible returns the messages currently shown.
func (c *Client) Visible() []chat.Message {
	return c.rec.Visible()
}

// Join enters the configured room and waits for the confirmation.
func (c *Client) Join(ctx context.Context) error {
	_, err := c.request(ctx, protocol.FrameJoin, protocol.JoinPayload{
		Room:        c.opts.Room,
		Role:        c.opts.Role,
		SessionID:   c.opts.SessionID,
		DisplayName: c.opts.DisplayName,
	}, protocol.FrameJoined)
	return err
}

// Send publishes a message to the room. While connected nothing is appended
// locally; the broadcast makes the message visible. While disconnected the
// message is appended to the visible list and to the fallback log.
func (c *Client) Send(ctx context.Context, text string, sender chat.Sender, meta chat.Meta) error {
	if meta.Room == "" {
		meta.Room = c.opts.Room
	}
	if meta.SessionID == "" {
		meta.SessionID = c.opts.SessionID
	}
	if meta.DisplayName == "" {
		meta.DisplayName = c.opts.DisplayName
	}

	if c.Connected() {
		err := c.write(ctx, protocol.InboundFrame{Type: protocol.FrameMessage}, chat.Inbound{
			Text:   text,
			Sender: sender,
			Meta:   meta,
		})
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Msg("send failed, keeping message locally")
		c.markDisconnected(err)
	}

	msg := chat.Message{
		ID:        uuid.NewString(),
		Room:      meta.Room,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now().UTC(),
		Meta:      meta,
	}
	c.rec.AppendLocal(msg)

	if c.opts.Fallback == nil {
		return nil
	}
	if err := c.opts.Fallback.Append(msg); err != nil {
		return fmt.Errorf("failed to store offline message: %w", err)
	}
	return nil
}

// History fetches the messages of room, optionally filtered by session.
func (c *Client) History(ctx context.Context, room, sessionID string) ([]chat.Message, error) {
	reply, err := c.request(ctx, protocol.FrameGetHistory, protocol.HistoryRequest{
		Room:      room,
		SessionID: sessionID,
	}, protocol.FrameHistory)
	if err != nil {
		return nil, err
	}

	var payload protocol.HistoryPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return payload.Messages, nil
}

// Backfill loads the room's history and replaces the visible list with it.
func (c *Client) Backfill(ctx context.Context) error {
	msgs, err := c.History(ctx, c.opts.Room, "")
	if err != nil {
		return err
	}
	c.rec.Backfill(msgs)
	return nil
}

// Restore shows the messages kept in the fallback log.
func (c *Client) Restore() error {
	if c.opts.Fallback == nil {
		return nil
	}
	msgs, err := c.opts.Fallback.Load()
	if err != nil {
		return err
	}
	c.rec.Backfill(msgs)
	return nil
}

// Close ends the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.markDisconnected(ErrDisconnected)
	<-c.loopDone
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) request(ctx context.Context, frameType string, payload any, want string) (frame, error) {
	id := uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return frame{}, ErrDisconnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, protocol.InboundFrame{Type: frameType, RequestID: id}, payload); err != nil {
		return frame{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return frame{}, ErrDisconnected
		}
		if reply.Type == protocol.FrameError {
			var perr protocol.ErrorPayload
			_ = json.Unmarshal(reply.Payload, &perr)
			return frame{}, &RemoteError{Code: perr.Code, Message: perr.Message}
		}
		if reply.Type != want {
			return frame{}, fmt.Errorf("unexpected %q reply to %q", reply.Type, frameType)
		}
		return reply, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (c *Client) write(ctx context.Context, f protocol.InboundFrame, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", f.Type, err)
		}
		f.Payload = raw
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (c *Client) readLoop() {
	defer close(c.loopDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.markDisconnected(err)
			return
		}

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var f frame
			if err := json.Unmarshal(line, &f); err != nil {
				c.log.Warn().Err(err).Msg("discarding malformed frame")
				continue
			}
			c.dispatch(f)
		}
	}
}

func (c *Client) dispatch(f frame) {
	if f.RequestID != "" && c.deliver(f) {
		return
	}

	switch f.Type {
	case protocol.FrameMessage:
		var msg chat.Message
		if err := json.Unmarshal(f.Payload, &msg); err != nil {
			c.log.Warn().Err(err).Msg("discarding malformed message")
			return
		}
		if c.rec.Apply(msg) && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	case protocol.FrameError:
		var perr protocol.ErrorPayload
		_ = json.Unmarshal(f.Payload, &perr)
		c.log.Warn().Str("code", perr.Code).Str("reason", perr.Message).Msg("relay rejected frame")
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring frame")
	}
}

// deliver hands a reply to the request waiting on it. The send happens under
// mu so it cannot race with markDisconnected closing the channel.
func (c *Client) deliver(f frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[f.RequestID]
	if !ok {
		return false
	}
	delete(c.pending, f.RequestID)
	select {
	case ch <- f:
	default:
	}
	return true
}

func (c *Client) markDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.log.Info().Err(err).Msg("disconnected from relay")
}
