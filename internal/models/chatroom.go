package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ChatRoom represents a 1-on-1 pairing between two sessions.
// Participants are stored in canonical order: the lexicographically smaller
// identity is always User1SessionID, so a pair maps to a single row shape.
type ChatRoom struct {
	// ID is the unique identifier for the room (UUID).
	ID string `gorm:"column:id;primaryKey;type:text" json:"id"`
	// User1SessionID is the smaller of the two participant identities.
	User1SessionID string `gorm:"column:user1_session_id;type:text;not null;index" json:"user1_session_id"`
	// User2SessionID is the larger of the two participant identities.
	User2SessionID string `gorm:"column:user2_session_id;type:text;not null;index" json:"user2_session_id"`
	// CreatedAt is the timestamp when the room was created.
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false;index" json:"created_at"`
	// EndedAt is nil while the room is active and set exactly once when it ends.
	EndedAt *time.Time `gorm:"column:ended_at;index" json:"ended_at"`
}

func (ChatRoom) TableName() string { return "chat_rooms" }

// NewCanonicalRoom builds an unsaved room for a and b in canonical order.
func NewCanonicalRoom(a, b string, createdAt time.Time) *ChatRoom {
	first, second := CanonicalPair(a, b)
	return &ChatRoom{
		ID:             uuid.New().String(),
		User1SessionID: first,
		User2SessionID: second,
		CreatedAt:      createdAt,
	}
}

// CanonicalPair returns a and b ordered lexicographically.
func CanonicalPair(a, b string) (string, string) {
	return lo.Ternary(a < b, a, b), lo.Ternary(a < b, b, a)
}

func (r *ChatRoom) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}

// IsActive reports whether the room has not ended yet.
func (r *ChatRoom) IsActive() bool {
	return r.EndedAt == nil
}

// HasParticipant reports whether sessionID is one of the two participants.
func (r *ChatRoom) HasParticipant(sessionID string) bool {
	return r.User1SessionID == sessionID || r.User2SessionID == sessionID
}

// PartnerOf returns the other participant's identity, or "" if sessionID is not in the room.
func (r *ChatRoom) PartnerOf(sessionID string) string {
	switch sessionID {
	case r.User1SessionID:
		return r.User2SessionID
	case r.User2SessionID:
		return r.User1SessionID
	}
	return ""
}
