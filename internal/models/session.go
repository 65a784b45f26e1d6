package models

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the matching lifecycle of a Session.
// waiting -> connecting -> matched -> (teardown) -> waiting
type SessionStatus string

const (
	StatusWaiting    SessionStatus = "waiting"
	StatusConnecting SessionStatus = "connecting"
	StatusMatched    SessionStatus = "matched"
)

// Valid reports whether s is one of the three known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusConnecting, StatusMatched:
		return true
	}
	return false
}

// Gender is only a matching hint.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
	GenderUnset  Gender = "unset"
)

// Limits for user supplied text.
const (
	MinUsernameLength = 2
	MaxUsernameLength = 20
	MaxMessageLength  = 500
)

var validate = validator.New()

// Session is the persisted record of one connected client.
// It is created at login, mutated by the matcher and the teardown path, and never deleted.
type Session struct {
	// SessionID is the opaque identity of the client (one per browser tab).
	SessionID string `gorm:"column:session_id;primaryKey;type:text" json:"session_id"`
	// Username is the display name, not unique.
	Username string `gorm:"column:username;type:text;not null" json:"username" validate:"required,min=2,max=20"`
	// Gender is used only as a matching hint.
	Gender Gender `gorm:"column:gender;type:text;not null;default:unset" json:"gender" validate:"oneof=male female other unset"`
	// Status is the matching state.
	Status SessionStatus `gorm:"column:status;type:text;not null;index:idx_status_updated" json:"status" validate:"oneof=waiting connecting matched"`
	// CreatedAt is set from the store clock at login.
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
	// UpdatedAt orders candidates (oldest first) and drives staleness checks.
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false;index:idx_status_updated" json:"updated_at"`
}

func (Session) TableName() string { return "user_sessions" }

// BeforeCreate generates a UUID identity when the client did not supply one.
func (s *Session) BeforeCreate(tx *gorm.DB) (err error) {
	if s.SessionID == "" {
		s.SessionID = uuid.New().String()
	}
	return
}

// Normalize trims the display name and fills defaults.
func (s *Session) Normalize() {
	s.Username = strings.TrimSpace(s.Username)
	s.SessionID = strings.TrimSpace(s.SessionID)
	if s.Gender == "" {
		s.Gender = GenderUnset
	}
	if s.Status == "" {
		s.Status = StatusWaiting
	}
}

// Validate checks the display name length and enum fields.
func (s *Session) Validate() error {
	return validate.Struct(s)
}
