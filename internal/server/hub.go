// Package server exposes the relay over WebSocket and REST: the Hub and its
// per-connection Clients, frame dispatch, and the gin HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/protocol"
)

type broadcastMessage struct {
	targets []string
	payload []byte
}

// Hub owns every live Client, keyed by connection id, and delivers room
// broadcasts to them. Deliveries are handled one at a time by Run, so the
// order in which Broadcast is called is the order clients receive messages.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan broadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        zerolog.Logger
}

// NewHub creates a Hub. Call Run to start it.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan broadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        logging.L().With().Str("component", "hub").Logger(),
	}
}

// Broadcast delivers msg to the given connections. It returns once the hub
// has accepted the delivery, or immediately after shutdown.
func (h *Hub) Broadcast(connectionIDs []string, msg chat.Message) {
	if len(connectionIDs) == 0 {
		return
	}

	payload, err := json.Marshal(protocol.OutboundFrame{Type: protocol.FrameMessage, Payload: msg})
	if err != nil {
		h.log.Error().Err(err).Str(logging.FieldMessageID, msg.ID).Msg("failed to encode broadcast")
		return
	}

	select {
	case h.broadcast <- broadcastMessage{targets: connectionIDs, payload: payload}:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("recovered from panic in safeSend")
		}
	}()

	// Held for the whole send so the channel cannot be closed underneath us.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, exists := h.clients[client.id]; !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run is the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.log.Info().
				Str(logging.FieldConnectionID, client.id).
				Str(logging.FieldClientIP, client.addr).
				Int("clients", clientCount).
				Msg("client registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if current, ok := h.clients[client.id]; ok && current == client {
				delete(h.clients, client.id)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				h.log.Info().
					Str(logging.FieldConnectionID, client.id).
					Int("clients", clientCount).
					Msg("client unregistered")
			} else {
				h.mutex.Unlock()
			}

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleBroadcast(msg broadcastMessage) {
	h.mutex.RLock()
	targets := make([]*Client, 0, len(msg.targets))
	for _, id := range msg.targets {
		if client, ok := h.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	var failed []*Client
	for _, client := range targets {
		if !h.safeSend(client, msg.payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// send queues a direct reply to one client, evicting it if its buffer is
// full.
func (h *Hub) send(client *Client, payload []byte) {
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
	}
}

// removeFailedClients drops clients whose send buffer is full. Their write
// pump then closes the connection, which ends the read pump.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if current, exists := h.clients[client.id]; exists && current == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn().
				Str(logging.FieldConnectionID, client.id).
				Str(logging.FieldClientIP, client.addr).
				Msg("client removed due to full send buffer")
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str(logging.FieldConnectionID, client.id).Msg("error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown stops Run, closes every connection and waits for the client
// goroutines, giving up after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
