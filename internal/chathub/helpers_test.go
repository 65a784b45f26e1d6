package chathub_test

import (
	"context"
	"testing"
	"time"

	"textbuddies/backend/internal/chathub"
	"textbuddies/backend/internal/localization"
	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/require"
)

const searchTimeout = 30 * time.Second

// harness wires the real services on an in-memory store and a fake clock.
type harness struct {
	env      *storagetest.Env
	matcher  *chathub.MatcherService
	listener *chathub.ListenerService
	teardown *chathub.TeardownService
	svc      chathub.ChatServices
}

func noBackoff(int) time.Duration { return 0 }

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := storagetest.New(t)
	loc, err := localization.Bundled()
	require.NoError(t, err)

	cfg := chathub.DefaultMatcherConfig()
	cfg.Backoff = noBackoff
	matcher := chathub.NewMatcherService(env.Store, env.Clock, env.Logger, cfg)
	listener := chathub.NewListenerService(env.Store, env.Logger)
	listener.RoomLookupAttempts = 50
	listener.RoomLookupDelay = 10 * time.Millisecond
	teardown := chathub.NewTeardownService(env.Store, env.Logger)

	return &harness{
		env:      env,
		matcher:  matcher,
		listener: listener,
		teardown: teardown,
		svc: chathub.ChatServices{
			Storage:          env.Store,
			Matcher:          matcher,
			Listener:         listener,
			Teardown:         teardown,
			Clock:            env.Clock,
			Log:              env.Logger,
			Localizer:        loc,
			SearchTimeout:    searchTimeout,
			OperationTimeout: 5 * time.Second,
		},
	}
}

func (h *harness) session(t *testing.T, id, name string) *models.Session {
	t.Helper()
	s := &models.Session{SessionID: id, Username: name}
	require.NoError(t, h.env.Store.CreateSession(context.Background(), s))
	return s
}

// searching puts a session in connecting without a chat client behind it.
func (h *harness) searching(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.env.Store.SetSessionStatus(context.Background(), id, models.StatusConnecting))
}

func (h *harness) client(t *testing.T, s *models.Session) *chathub.ChatClient {
	t.Helper()
	c := chathub.NewChatClient(h.svc, s, "en")
	t.Cleanup(c.Close)
	return c
}

func (h *harness) status(t *testing.T, id string) models.SessionStatus {
	t.Helper()
	s, err := h.env.Store.GetSession(context.Background(), id)
	require.NoError(t, err)
	return s.Status
}

// nextEvent returns the next frame of c or fails.
func nextEvent(t *testing.T, c *chathub.ChatClient) models.ClientEvent {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client event")
	}
	return models.ClientEvent{}
}

// expectEvent asserts the type of the next frame of c.
func expectEvent(t *testing.T, c *chathub.ChatClient, want models.EventType) models.ClientEvent {
	t.Helper()
	ev := nextEvent(t, c)
	require.Equal(t, want, ev.Type, "unexpected event %+v", ev)
	return ev
}

// expectNoEvent asserts that c stays quiet for a short while.
func expectNoEvent(t *testing.T, c *chathub.ChatClient) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// waitTimer blocks until n timers are armed on the fake clock.
func (h *harness) waitTimer(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.env.Clock.BlockUntilContext(ctx, n))
}
