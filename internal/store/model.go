package store

import (
	"strconv"
	"time"

	"github.com/Tyrowin/supportchat/internal/chat"
)

// MessageModel is the GORM model for the messages table.
type MessageModel struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Room      string    `gorm:"type:varchar(191);index:idx_messages_room_created,priority:1;not null"`
	SessionID string    `gorm:"type:varchar(64);index"`
	Sender    string    `gorm:"type:varchar(16);not null"`
	Text      string    `gorm:"type:text"`
	Meta      chat.Meta `gorm:"serializer:json;type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_messages_room_created,priority:2"`
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "messages"
}

// ToDomain converts MessageModel to chat.Message.
func (m *MessageModel) ToDomain() chat.Message {
	return chat.Message{
		ID:        strconv.FormatUint(m.ID, 10),
		Room:      m.Room,
		Sender:    chat.Sender(m.Sender),
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
		Meta:      m.Meta,
	}
}

func messageToModel(msg chat.Message) *MessageModel {
	return &MessageModel{
		Room:      msg.Room,
		SessionID: msg.Meta.SessionID,
		Sender:    string(msg.Sender),
		Text:      msg.Text,
		Meta:      msg.Meta,
	}
}

// UserModel is the GORM model for the users table. DisplayName is nullable so
// that sessions created by a join without a name do not collide on the
// unique index.
type UserModel struct {
	ID          string    `gorm:"type:varchar(36);primaryKey"`
	SessionID   string    `gorm:"type:varchar(64);uniqueIndex;not null"`
	DisplayName *string   `gorm:"type:varchar(191);uniqueIndex"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for UserModel.
func (UserModel) TableName() string {
	return "users"
}

// ToDomain converts UserModel to chat.User.
func (m *UserModel) ToDomain() chat.User {
	u := chat.User{
		ID:        m.ID,
		SessionID: m.SessionID,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.DisplayName != nil {
		u.DisplayName = *m.DisplayName
	}
	return u
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
