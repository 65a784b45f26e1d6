package models

import (
	"strings"
	"time"
)

// Message is an immutable chat line scoped to a room.
// Messages may still be stored after their room has ended.
type Message struct {
	// ID is the auto-incremented primary key; it also gives insertion order.
	ID uint `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	// RoomID is the room the message was sent to.
	RoomID string `gorm:"column:room_id;type:text;not null;index:idx_room_msg" json:"room_id" validate:"required"`
	// SenderSessionID is the session that sent the message.
	SenderSessionID string `gorm:"column:sender_session_id;type:text;not null" json:"sender_session_id" validate:"required"`
	// MessageText is the trimmed body.
	MessageText string `gorm:"column:message_text;type:text;not null" json:"message_text" validate:"required,max=500"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime:false;index:idx_room_msg" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// Normalize trims the body.
func (m *Message) Normalize() {
	m.MessageText = strings.TrimSpace(m.MessageText)
}

// Validate checks that the body is present and within MaxMessageLength runes.
func (m *Message) Validate() error {
	return validate.Struct(m)
}
