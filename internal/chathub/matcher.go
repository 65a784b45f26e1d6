package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

// ErrContention means another caller changed a session between our read and our
// conditional update. The whole attempt is retried.
var ErrContention = errors.New("chathub: lost a race for the candidate")

// ErrNotSearching is returned when the caller's own session left the
// connecting state (cancelled or expired) while a match was being attempted.
var ErrNotSearching = errors.New("chathub: session is no longer searching")

// Outcome of a connect call.
type Outcome int

const (
	// OutcomeSearching leaves the caller in connecting; the caller arms the search timer.
	OutcomeSearching Outcome = iota
	// OutcomeMatched means this call created the room.
	OutcomeMatched
	// OutcomeMatchedByPeer means another caller matched us first; the listener delivers the room.
	OutcomeMatchedByPeer
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeMatchedByPeer:
		return "matched_by_peer"
	}
	return "searching"
}

// MatchResult is what Connect hands back. Room and Partner are set only for OutcomeMatched.
type MatchResult struct {
	Outcome  Outcome
	Room     *models.ChatRoom
	Partner  *models.Session
	Attempts int
}

// MatcherConfig tunes the matchmaker.
type MatcherConfig struct {
	// MaxAttempts bounds retries after contention.
	MaxAttempts int
	// SearchWindow also bounds retries: no new attempt starts after it elapsed.
	SearchWindow time.Duration
	// StaleRoomAge is the age after which unended rooms are swept on connect.
	StaleRoomAge time.Duration
	// PreferOppositeGender tries candidates of a different gender first.
	PreferOppositeGender bool
	// Backoff returns the pause before the given retry. Nil means a short jittered pause.
	Backoff func(attempt int) time.Duration
}

// DefaultMatcherConfig mirrors the production defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		MaxAttempts:  5,
		SearchWindow: 30 * time.Second,
		StaleRoomAge: 24 * time.Hour,
	}
}

// MatcherService відповідає за алгоритм пошуку співрозмовників.
// It is stateless: all coordination goes through conditional updates in the store.
type MatcherService struct {
	Storage storage.Storage
	Clock   clockwork.Clock
	Log     *slog.Logger
	cfg     MatcherConfig
}

// NewMatcherService створює новий Matcher.
func NewMatcherService(s storage.Storage, clock clockwork.Clock, log *slog.Logger, cfg MatcherConfig) *MatcherService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = jitteredBackoff
	}
	return &MatcherService{Storage: s, Clock: clock, Log: log, cfg: cfg}
}

// jitteredBackoff spreads out two callers that keep picking each other.
func jitteredBackoff(attempt int) time.Duration {
	return time.Duration(attempt)*10*time.Millisecond + rand.N(20*time.Millisecond)
}

// Connect moves session into the search and tries to pair it with the
// longest-waiting other searcher.
func (m *MatcherService) Connect(ctx context.Context, session *models.Session) (*MatchResult, error) {
	id := session.SessionID
	m.cleanup(ctx, id)

	if err := m.Storage.SetSessionStatus(ctx, id, models.StatusConnecting); err != nil {
		return nil, fmt.Errorf("chathub: connect: %w", err)
	}

	deadline := m.Clock.Now().Add(m.cfg.SearchWindow)
	attempt := 0
	for attempt < m.cfg.MaxAttempts {
		attempt++
		if attempt > 1 {
			if !m.Clock.Now().Before(deadline) {
				break
			}
			if err := m.pause(ctx, attempt); err != nil {
				return nil, err
			}
		}

		res, err := m.tryMatch(ctx, session)
		if errors.Is(err, ErrContention) {
			m.Log.Debug("match contention, retrying", "session_id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		res.Attempts = attempt
		return res, nil
	}

	m.Log.Info("match retries exhausted, staying in search", "session_id", id, "attempts", attempt)
	return &MatchResult{Outcome: OutcomeSearching, Attempts: attempt}, nil
}

// cleanup ends rooms left over from earlier attempts. Failures are only logged.
func (m *MatcherService) cleanup(ctx context.Context, sessionID string) {
	if n, err := m.Storage.EndActiveRoomsForSession(ctx, sessionID); err != nil {
		m.Log.Warn("could not end previous rooms", "session_id", sessionID, "error", err)
	} else if n > 0 {
		m.Log.Info("ended previous rooms", "session_id", sessionID, "count", n)
	}
	if m.cfg.StaleRoomAge > 0 {
		if _, err := m.Storage.EndStaleRooms(ctx, m.cfg.StaleRoomAge); err != nil {
			m.Log.Warn("could not end stale rooms", "error", err)
		}
	}
}

func (m *MatcherService) pause(ctx context.Context, attempt int) error {
	d := m.cfg.Backoff(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// tryMatch is one attempt. The caller's own connecting -> matched transition is
// taken before the candidate's, so two callers that pick each other cannot
// both create a room: at most one of them still finds the other connecting.
// A lost candidate briefly publishes our own row as matched before the revert;
// the listener re-reads the row and ignores the rolled-back claim.
func (m *MatcherService) tryMatch(ctx context.Context, session *models.Session) (*MatchResult, error) {
	id := session.SessionID

	avoid := models.Gender("")
	if m.cfg.PreferOppositeGender {
		avoid = session.Gender
	}
	candidate, err := m.Storage.FindCandidate(ctx, id, avoid)
	if err != nil {
		return nil, fmt.Errorf("chathub: find candidate: %w", err)
	}
	if candidate == nil {
		return &MatchResult{Outcome: OutcomeSearching}, nil
	}

	ok, err := m.Storage.CompareAndSetStatus(ctx, id, models.StatusConnecting, models.StatusMatched)
	if err != nil {
		return nil, fmt.Errorf("chathub: claim self: %w", err)
	}
	if !ok {
		return m.selfMoved(ctx, id)
	}

	ok, err = m.Storage.CompareAndSetStatus(ctx, candidate.SessionID, models.StatusConnecting, models.StatusMatched)
	if err != nil || !ok {
		m.revert(ctx, id, models.StatusConnecting)
		if err != nil {
			return nil, fmt.Errorf("chathub: claim candidate: %w", err)
		}
		return nil, ErrContention
	}

	room, err := m.Storage.CreateRoom(ctx, id, candidate.SessionID)
	if err != nil {
		m.release(ctx, candidate)
		m.revert(ctx, id, models.StatusWaiting)
		return nil, fmt.Errorf("chathub: create room: %w", err)
	}

	m.Log.Info("match found", "session_id", id, "partner_id", candidate.SessionID, "room_id", room.ID)
	return &MatchResult{Outcome: OutcomeMatched, Room: room, Partner: candidate}, nil
}

// selfMoved decides what a failed self claim means.
func (m *MatcherService) selfMoved(ctx context.Context, id string) (*MatchResult, error) {
	current, err := m.Storage.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chathub: reload self: %w", err)
	}
	if current.Status == models.StatusMatched {
		return &MatchResult{Outcome: OutcomeMatchedByPeer}, nil
	}
	return nil, ErrNotSearching
}

// revert undoes a claim taken in this attempt. Nobody else moves a session out
// of matched during an attempt, so a failed revert is only logged.
func (m *MatcherService) revert(ctx context.Context, id string, to models.SessionStatus) {
	ok, err := m.Storage.CompareAndSetStatus(ctx, id, models.StatusMatched, to)
	if err != nil || !ok {
		m.Log.Warn("could not revert match claim", "session_id", id, "to", to, "applied", ok, "error", err)
	}
}

// release hands the candidate back to the search with its original queue time.
func (m *MatcherService) release(ctx context.Context, candidate *models.Session) {
	ok, err := m.Storage.RestoreStatus(ctx, candidate.SessionID, models.StatusMatched, models.StatusConnecting, candidate.UpdatedAt)
	if err != nil || !ok {
		m.Log.Warn("could not release candidate", "session_id", candidate.SessionID, "applied", ok, "error", err)
	}
}

// StopSearching returns a connecting session to waiting. It reports whether the
// session was still connecting.
func (m *MatcherService) StopSearching(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.Storage.CompareAndSetStatus(ctx, sessionID, models.StatusConnecting, models.StatusWaiting)
	if err != nil {
		return false, fmt.Errorf("chathub: stop searching: %w", err)
	}
	return ok, nil
}

// ExpireSearch is StopSearching for the search timer.
func (m *MatcherService) ExpireSearch(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.StopSearching(ctx, sessionID)
	if err == nil && ok {
		m.Log.Info("search expired", "session_id", sessionID)
	}
	return ok, err
}
