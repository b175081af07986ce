package chat

import (
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomKeys(t *testing.T) {
	assert.Equal(t, "session:s_abc123", RoomForSession("s_abc123"))
	assert.Equal(t, "s_abc123", SessionFromRoom("session:s_abc123"))
	assert.Equal(t, "global", SessionFromRoom("global"))
	assert.Equal(t, "session:s_x", User{SessionID: "s_x"}.Room())
}

func TestNewSessionIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^s_[0-9a-z]{8}$`)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		require.Regexp(t, re, id)
		seen[id] = struct{}{}
	}
	assert.Greater(t, len(seen), 95)
}

func TestInboundValidate(t *testing.T) {
	in, err := Inbound{
		Text:   "hi",
		Sender: SenderCustomer,
		Meta:   Meta{SessionID: "  s_1 ", Room: " session:s_1"},
	}.Validate()
	require.NoError(t, err)
	assert.Equal(t, "s_1", in.Meta.SessionID)
	assert.Equal(t, "session:s_1", in.Meta.Room)

	_, err = Inbound{Text: "hi", Sender: "robot"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Inbound{Text: "   ", Sender: SenderAdmin}.Validate()
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUnavailableWrapping(t *testing.T) {
	assert.NoError(t, Unavailable("op", nil))

	cause := errors.New("dial tcp: refused")
	err := Unavailable("append", cause)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)

	again := Unavailable("outer", err)
	assert.Equal(t, err, again)

	wrapped := fmt.Errorf("ctx: %w", err)
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
}
