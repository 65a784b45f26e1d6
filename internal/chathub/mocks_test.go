package chathub_test

import (
	"context"
	"sync"
	"time"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockStorage is a mock implementation of the storage.Storage interface.
// It uses testify/mock to allow flexible expectation setting in tests.
type MockStorage struct {
	mock.Mock
}

// Session operations
func (m *MockStorage) CreateSession(ctx context.Context, session *models.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockStorage) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockStorage) SetSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	args := m.Called(ctx, sessionID, status)
	return args.Error(0)
}

func (m *MockStorage) CompareAndSetStatus(ctx context.Context, sessionID string, from, to models.SessionStatus) (bool, error) {
	args := m.Called(ctx, sessionID, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) RestoreStatus(ctx context.Context, sessionID string, from, to models.SessionStatus, updatedAt time.Time) (bool, error) {
	args := m.Called(ctx, sessionID, from, to, updatedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) FindCandidate(ctx context.Context, selfID string, avoidGender models.Gender) (*models.Session, error) {
	args := m.Called(ctx, selfID, avoidGender)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockStorage) CountSessionsByStatus(ctx context.Context) (map[models.SessionStatus]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[models.SessionStatus]int64), args.Error(1)
}

func (m *MockStorage) ExpireAbandonedSearches(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

// Room operations
func (m *MockStorage) CreateRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	args := m.Called(ctx, a, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) GetRoomByID(ctx context.Context, roomID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) GetActiveRoomForSession(ctx context.Context, sessionID string) (*models.ChatRoom, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ChatRoom), args.Error(1)
}

func (m *MockStorage) EndRoom(ctx context.Context, roomID string) (bool, error) {
	args := m.Called(ctx, roomID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStorage) EndActiveRoomsForSession(ctx context.Context, sessionID string) (int, error) {
	args := m.Called(ctx, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) EndStaleRooms(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}

func (m *MockStorage) ReconcileOrphanedMatches(ctx context.Context, grace time.Duration) (int, error) {
	args := m.Called(ctx, grace)
	return args.Int(0), args.Error(1)
}

// Message operations
func (m *MockStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStorage) GetChatHistory(ctx context.Context, roomID string) ([]models.Message, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockStorage) Subscribe(filter feed.Filter) *feed.Subscription {
	args := m.Called(filter)
	if fn, ok := args.Get(0).(func(feed.Filter) *feed.Subscription); ok {
		return fn(filter)
	}
	return args.Get(0).(*feed.Subscription)
}

// MockClient records what the hub does with a connection.
type MockClient struct {
	sessionID string

	mu      sync.Mutex
	closed  int
	notices []string
}

func newMockClient(sessionID string) *MockClient {
	return &MockClient{sessionID: sessionID}
}

func (c *MockClient) GetSessionID() string { return c.sessionID }

func (c *MockClient) Run() {}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *MockClient) Notice(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, code)
}

func (c *MockClient) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) Notices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notices...)
}
