package server

import (
	"encoding/json"
	"errors"

	"github.com/Tyrowin/supportchat/internal/chat"
	"github.com/Tyrowin/supportchat/internal/logging"
	"github.com/Tyrowin/supportchat/internal/protocol"
	"github.com/Tyrowin/supportchat/internal/relay"
)

// handleFrame decodes one client frame and routes it. Replies go only to this
// client; chat messages reach it through the room broadcast.
func (c *Client) handleFrame(raw []byte) {
	var frame protocol.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.replyError("", protocol.ErrCodeBadRequest, "invalid frame")
		return
	}

	switch frame.Type {
	case protocol.FrameJoin:
		var p protocol.JoinPayload
		if !c.decode(frame, &p) {
			return
		}
		c.handleJoin(frame.RequestID, p)

	case protocol.FrameMessage:
		var in chat.Inbound
		if !c.decode(frame, &in) {
			return
		}
		c.handleChat(frame.RequestID, in)

	case protocol.FrameGetHistory:
		var p protocol.HistoryRequest
		if !c.decode(frame, &p) {
			return
		}
		c.handleHistory(frame.RequestID, p)

	case protocol.FrameLeave:
		c.relay.Rooms.Leave(c.id)

	case protocol.FramePing:
		c.reply(protocol.FramePong, frame.RequestID, nil)

	default:
		c.replyError(frame.RequestID, protocol.ErrCodeBadRequest, "unknown frame type")
	}
}

func (c *Client) decode(frame protocol.InboundFrame, v any) bool {
	if len(frame.Payload) == 0 {
		c.replyError(frame.RequestID, protocol.ErrCodeBadRequest, "missing payload")
		return false
	}
	if err := json.Unmarshal(frame.Payload, v); err != nil {
		c.replyError(frame.RequestID, protocol.ErrCodeBadRequest, "invalid "+frame.Type+" payload")
		return false
	}
	return true
}

func (c *Client) handleJoin(requestID string, p protocol.JoinPayload) {
	joined, err := c.relay.Rooms.Join(relay.JoinRequest{
		ConnectionID: c.id,
		Room:         p.Room,
		Role:         p.Role,
		SessionID:    p.SessionID,
		DisplayName:  p.DisplayName,
	})
	if err != nil {
		c.replyErr(requestID, err)
		return
	}

	c.log.Info().
		Str(logging.FieldRoom, joined.Room).
		Str(logging.FieldRole, string(joined.Role)).
		Msg("joined room")
	c.reply(protocol.FrameJoined, requestID, protocol.JoinedPayload{Room: joined.Room, Role: joined.Role})
}

func (c *Client) handleChat(requestID string, in chat.Inbound) {
	msg, err := c.relay.Router.Send(c.ctx, c.id, in)
	if err != nil {
		c.replyErr(requestID, err)
		return
	}

	role, member := c.relay.Rooms.RoleIn(c.id, msg.Room)
	c.log.Debug().
		Str(logging.FieldRoom, msg.Room).
		Str(logging.FieldMessageID, msg.ID).
		Str(logging.FieldRole, string(role)).
		Bool("member", member).
		Str("sender", string(msg.Sender)).
		Msg("message relayed")
}

func (c *Client) handleHistory(requestID string, p protocol.HistoryRequest) {
	msgs, err := c.relay.History.History(c.ctx, p.Room, p.SessionID)
	if err != nil {
		c.replyErr(requestID, err)
		return
	}
	c.reply(protocol.FrameHistory, requestID, protocol.HistoryPayload{Room: p.Room, Messages: msgs})
}

func (c *Client) reply(frameType, requestID string, payload any) {
	data, err := json.Marshal(protocol.OutboundFrame{Type: frameType, RequestID: requestID, Payload: payload})
	if err != nil {
		c.log.Error().Err(err).Str("frame", frameType).Msg("failed to encode reply")
		return
	}
	c.hub.send(c, data)
}

func (c *Client) replyError(requestID, code, message string) {
	c.reply(protocol.FrameError, requestID, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Client) replyErr(requestID string, err error) {
	if errors.Is(err, chat.ErrInvalidInput) {
		c.replyError(requestID, protocol.ErrCodeBadRequest, err.Error())
		return
	}
	c.log.Error().Err(err).Msg("frame handling failed")
	c.replyError(requestID, protocol.ErrCodeInternal, "internal error")
}
