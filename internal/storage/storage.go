package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a session or room does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a session identity is already taken.
	ErrConflict = errors.New("storage: already exists")
)

// Storage is the shared relational store plus its change feed.
// Every successful mutation publishes one feed.ChangeEvent per affected row.
type Storage interface {
	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	CompareAndSetStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error)
	RestoreStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, updatedAt time.Time) (bool, error)
	FindCandidate(ctx context.Context, selfID string, avoidGender models.Gender) (*models.Session, error)
	CountSessionsByStatus(ctx context.Context) (map[models.SessionStatus]int64, error)
	ExpireAbandonedSearches(ctx context.Context, olderThan time.Duration) (int, error)

	// Rooms
	CreateRoom(ctx context.Context, a, b string) (*models.ChatRoom, error)
	GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error)
	GetActiveRoomForSession(ctx context.Context, sessionID string) (*models.ChatRoom, error)
	EndRoom(ctx context.Context, roomID string) (bool, error)
	EndActiveRoomsForSession(ctx context.Context, sessionID string) (int, error)
	EndStaleRooms(ctx context.Context, olderThan time.Duration) (int, error)
	ReconcileOrphanedMatches(ctx context.Context, grace time.Duration) (int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetChatHistory(ctx context.Context, roomID string) ([]models.Message, error)

	Subscribe(filter feed.Filter) *feed.Subscription
}

type Service struct {
	DB    *gorm.DB
	Feed  feed.Feed
	Clock clockwork.Clock
	Log   *slog.Logger
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB, f feed.Feed, clock clockwork.Clock, log *slog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		DB:    db,
		Feed:  f,
		Clock: clock,
		Log:   log,
	}
}

func (s *Service) now() time.Time {
	return s.Clock.Now().UTC()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSession validates and inserts a new session in the waiting state.
func (s *Service) CreateSession(ctx context.Context, session *models.Session) error {
	session.Normalize()
	session.Status = models.StatusWaiting
	if err := session.Validate(); err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}

	now := s.now()
	session.CreatedAt = now
	session.UpdatedAt = now

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if session.SessionID != "" {
			var count int64
			if err := tx.Model(&models.Session{}).Where("session_id = ?", session.SessionID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return ErrConflict
			}
		}
		return tx.Create(session).Error
	})
	if err != nil {
		return fmt.Errorf("storage: create session: %w", err)
	}

	s.publishSession(ctx, feed.OpInsert, session)
	return nil
}

// GetSession returns the session or ErrNotFound.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}
	return &session, nil
}

// SetSessionStatus writes status unconditionally.
func (s *Service) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("storage: set status: invalid status %q", status)
	}
	result := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": s.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("storage: set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.publishSessionByID(ctx, sessionID)
	return nil
}

// CompareAndSetStatus moves the session from one status to another only if it
// is still in from. A false result means another writer got there first.
func (s *Service) CompareAndSetStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	return s.casStatus(ctx, sessionID, from, to, s.now())
}

// RestoreStatus is CompareAndSetStatus with updated_at put back to the given
// time, so an undone claim keeps the session's place in the candidate queue.
// A zero updatedAt stamps the current time.
func (s *Service) RestoreStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, updatedAt time.Time) (bool, error) {
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	return s.casStatus(ctx, sessionID, from, to, updatedAt)
}

func (s *Service) casStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, updatedAt time.Time) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("storage: compare and set status: invalid status %q", to)
	}
	result := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("session_id = ? AND status = ?", sessionID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": updatedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("storage: compare and set status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.publishSessionByID(ctx, sessionID)
	return true, nil
}

// FindCandidate returns the longest-waiting connecting session other than selfID,
// or nil when nobody is searching. With avoidGender set, sessions of a different
// gender are tried first and anyone else is the fallback.
func (s *Service) FindCandidate(ctx context.Context, selfID string, avoidGender models.Gender) (*models.Session, error) {
	if avoidGender != "" && avoidGender != models.GenderUnset {
		candidate, err := s.findCandidate(ctx, selfID, func(q *gorm.DB) *gorm.DB {
			return q.Where("gender <> ?", avoidGender)
		})
		if err != nil || candidate != nil {
			return candidate, err
		}
	}
	return s.findCandidate(ctx, selfID, nil)
}

func (s *Service) findCandidate(ctx context.Context, selfID string, scope func(*gorm.DB) *gorm.DB) (*models.Session, error) {
	var found []models.Session
	q := s.DB.WithContext(ctx).
		Where("status = ? AND session_id <> ?", models.StatusConnecting, selfID)
	if scope != nil {
		q = scope(q)
	}
	err := q.Order("updated_at ASC").Order("session_id ASC").Limit(1).Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("storage: find candidate: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// CountSessionsByStatus returns how many sessions are in each status.
func (s *Service) CountSessionsByStatus(ctx context.Context) (map[models.SessionStatus]int64, error) {
	var rows []struct {
		Status models.SessionStatus
		Total  int64
	}
	err := s.DB.WithContext(ctx).Model(&models.Session{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: count sessions: %w", err)
	}

	counts := map[models.SessionStatus]int64{
		models.StatusWaiting:    0,
		models.StatusConnecting: 0,
		models.StatusMatched:    0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// ExpireAbandonedSearches returns connecting sessions that have not been touched
// for longer than olderThan to waiting.
func (s *Service) ExpireAbandonedSearches(ctx context.Context, olderThan time.Duration) (int, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND updated_at < ?", models.StatusConnecting, s.now().Add(-olderThan)).
		Pluck("session_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("storage: expire searches: %w", err)
	}
	return s.resetEach(ctx, ids, models.StatusConnecting)
}

// ReconcileOrphanedMatches resets sessions that are still matched but have no
// active room. The grace period leaves in-flight matches alone: a match flips
// both sessions before the room row is inserted.
func (s *Service) ReconcileOrphanedMatches(ctx context.Context, grace time.Duration) (int, error) {
	var ids []string
	active := s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Select("1").
		Where("ended_at IS NULL AND (user1_session_id = user_sessions.session_id OR user2_session_id = user_sessions.session_id)")
	err := s.DB.WithContext(ctx).Model(&models.Session{}).
		Where("status = ? AND updated_at < ?", models.StatusMatched, s.now().Add(-grace)).
		Where("NOT EXISTS (?)", active).
		Pluck("session_id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("storage: reconcile matches: %w", err)
	}
	return s.resetEach(ctx, ids, models.StatusMatched)
}

// resetEach moves every id from status from to waiting, one conditional update
// per row so rows that moved on in the meantime are left alone.
func (s *Service) resetEach(ctx context.Context, ids []string, from models.SessionStatus) (int, error) {
	reset := 0
	for _, id := range ids {
		ok, err := s.CompareAndSetStatus(ctx, id, from, models.StatusWaiting)
		if err != nil {
			return reset, err
		}
		if ok {
			reset++
		}
	}
	return reset, nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// CreateRoom inserts an active room for a and b in canonical order.
func (s *Service) CreateRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("storage: create room: invalid participants %q and %q", a, b)
	}
	room := models.NewCanonicalRoom(a, b, s.now())
	if err := s.DB.WithContext(ctx).Create(room).Error; err != nil {
		return nil, fmt.Errorf("storage: create room: %w", err)
	}
	s.publishRoom(ctx, feed.OpInsert, room)
	return room, nil
}

// GetRoomByID returns the room or ErrNotFound.
func (s *Service) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.DB.WithContext(ctx).Where("id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get room: %w", err)
	}
	return &room, nil
}

// GetActiveRoomForSession returns the newest active room of the session, or nil.
func (s *Service) GetActiveRoomForSession(ctx context.Context, sessionID string) (*models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := s.DB.WithContext(ctx).
		Where("ended_at IS NULL AND (user1_session_id = ? OR user2_session_id = ?)", sessionID, sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("storage: get active room: %w", err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	return &rooms[0], nil
}

// EndRoom sets ended_at once. It returns false if the room was already ended or does not exist.
func (s *Service) EndRoom(ctx context.Context, roomID string) (bool, error) {
	result := s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("id = ? AND ended_at IS NULL", roomID).
		Update("ended_at", s.now())
	if result.Error != nil {
		return false, fmt.Errorf("storage: end room: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	room, err := s.GetRoomByID(ctx, roomID)
	if err != nil {
		s.Log.Warn("ended room could not be re-read", "room_id", roomID, "error", err)
		return true, nil
	}
	s.publishRoom(ctx, feed.OpUpdate, room)
	return true, nil
}

// EndActiveRoomsForSession ends every room the session still participates in.
func (s *Service) EndActiveRoomsForSession(ctx context.Context, sessionID string) (int, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("ended_at IS NULL AND (user1_session_id = ? OR user2_session_id = ?)", sessionID, sessionID).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("storage: end rooms for session: %w", err)
	}
	return s.endEach(ctx, ids)
}

// EndStaleRooms ends active rooms created more than olderThan ago.
func (s *Service) EndStaleRooms(ctx context.Context, olderThan time.Duration) (int, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&models.ChatRoom{}).
		Where("ended_at IS NULL AND created_at < ?", s.now().Add(-olderThan)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("storage: end stale rooms: %w", err)
	}
	return s.endEach(ctx, ids)
}

func (s *Service) endEach(ctx context.Context, ids []string) (int, error) {
	ended := 0
	for _, id := range ids {
		ok, err := s.EndRoom(ctx, id)
		if err != nil {
			return ended, err
		}
		if ok {
			ended++
		}
	}
	return ended, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SaveMessage validates and appends a message. The room is not checked for
// being active; a message racing a teardown is still stored.
func (s *Service) SaveMessage(ctx context.Context, msg *models.Message) error {
	msg.Normalize()
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("storage: save message: %w", err)
	}
	msg.CreatedAt = s.now()
	if err := s.DB.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("storage: save message: %w", err)
	}
	s.publishMessage(ctx, msg)
	return nil
}

// GetChatHistory returns the messages of a room in insertion order.
func (s *Service) GetChatHistory(ctx context.Context, roomID string) ([]models.Message, error) {
	var history []models.Message
	err := s.DB.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id ASC").
		Find(&history).Error
	if err != nil {
		return nil, fmt.Errorf("storage: get chat history: %w", err)
	}
	return history, nil
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

func (s *Service) Subscribe(filter feed.Filter) *feed.Subscription {
	return s.Feed.Subscribe(filter)
}
