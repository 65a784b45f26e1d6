package storage_test

import (
	"context"
	"testing"
	"time"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"
	"textbuddies/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, env *storagetest.Env, id, name string) *models.Session {
	t.Helper()
	s := &models.Session{SessionID: id, Username: name}
	require.NoError(t, env.Store.CreateSession(context.Background(), s))
	return s
}

func nextEvent(t *testing.T, sub *feed.Subscription) feed.ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return feed.ChangeEvent{}
}

func TestCreateSession(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	sub := env.Store.Subscribe(feed.Filter{Table: feed.TableSessions, Op: feed.OpInsert})
	defer sub.Close()

	// Act
	s := &models.Session{Username: "  alice  ", Status: models.StatusMatched}
	err := env.Store.CreateSession(ctx, s)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID, "identity is generated when not supplied")
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, models.StatusWaiting, s.Status, "sessions always start waiting")
	assert.Equal(t, models.GenderUnset, s.Gender)
	assert.True(t, s.CreatedAt.Equal(storagetest.Epoch))

	got, err := env.Store.GetSession(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	ev := nextEvent(t, sub)
	assert.Equal(t, s.SessionID, ev.Keys["session_id"])
}

func TestCreateSessionRejectsInvalidAndDuplicate(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()

	assert.Error(t, env.Store.CreateSession(ctx, &models.Session{Username: " a "}), "too short after trimming")
	assert.Error(t, env.Store.CreateSession(ctx, &models.Session{Username: "abcdefghijklmnopqrstu"}), "21 runes")
	assert.Error(t, env.Store.CreateSession(ctx, &models.Session{Username: "bob", Gender: "robot"}))
	assert.NoError(t, env.Store.CreateSession(ctx, &models.Session{Username: "Ωmega", Gender: models.GenderOther}))

	newSession(t, env, "s1", "alice")
	err := env.Store.CreateSession(ctx, &models.Session{SessionID: "s1", Username: "again"})
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetSessionNotFound(t *testing.T) {
	env := storagetest.New(t)

	_, err := env.Store.GetSession(context.Background(), "nope")

	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompareAndSetStatus(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	newSession(t, env, "s1", "alice")
	sub := env.Store.Subscribe(feed.Filter{Table: feed.TableSessions, Op: feed.OpUpdate, Column: "session_id", Value: "s1"})
	defer sub.Close()
	env.Clock.Advance(5 * time.Second)

	// Act
	ok, err := env.Store.CompareAndSetStatus(ctx, "s1", models.StatusWaiting, models.StatusConnecting)
	require.NoError(t, err)
	stale, err := env.Store.CompareAndSetStatus(ctx, "s1", models.StatusWaiting, models.StatusMatched)
	require.NoError(t, err)

	// Assert
	assert.True(t, ok)
	assert.False(t, stale, "the session is no longer waiting")

	got, err := env.Store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnecting, got.Status)
	assert.True(t, got.UpdatedAt.Equal(storagetest.Epoch.Add(5*time.Second)))

	var row models.Session
	require.NoError(t, nextEvent(t, sub).Decode(&row))
	assert.Equal(t, models.StatusConnecting, row.Status)
	select {
	case ev := <-sub.Events():
		t.Fatalf("failed transition must not publish, got %+v", ev)
	default:
	}
}

func TestRestoreStatusKeepsQueuePosition(t *testing.T) {
	// Arrange: b has waited longer than c
	env := storagetest.New(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		newSession(t, env, id, "user-"+id)
	}
	for _, id := range []string{"b", "c", "a"} {
		env.Clock.Advance(time.Second)
		require.NoError(t, env.Store.SetSessionStatus(ctx, id, models.StatusConnecting))
	}
	b, err := env.Store.GetSession(ctx, "b")
	require.NoError(t, err)

	// Act: b is claimed, then the claim is undone
	env.Clock.Advance(time.Second)
	ok, err := env.Store.CompareAndSetStatus(ctx, "b", models.StatusConnecting, models.StatusMatched)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.Store.RestoreStatus(ctx, "b", models.StatusMatched, models.StatusConnecting, b.UpdatedAt)

	// Assert
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := env.Store.GetSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnecting, got.Status)
	assert.True(t, got.UpdatedAt.Equal(b.UpdatedAt))
	first, err := env.Store.FindCandidate(ctx, "a", "")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "b", first.SessionID)

	stale, err := env.Store.RestoreStatus(ctx, "b", models.StatusMatched, models.StatusConnecting, b.UpdatedAt)
	require.NoError(t, err)
	assert.False(t, stale, "the session is no longer matched")
}

func TestSetSessionStatus(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()
	newSession(t, env, "s1", "alice")

	require.NoError(t, env.Store.SetSessionStatus(ctx, "s1", models.StatusConnecting))
	assert.ErrorIs(t, env.Store.SetSessionStatus(ctx, "ghost", models.StatusWaiting), storage.ErrNotFound)
	assert.Error(t, env.Store.SetSessionStatus(ctx, "s1", "paused"))

	got, err := env.Store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnecting, got.Status)
}

func TestFindCandidateOldestFirst(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		newSession(t, env, id, "user-"+id)
	}
	// b starts searching first, then c, then a
	for _, id := range []string{"b", "c", "a"} {
		env.Clock.Advance(time.Second)
		require.NoError(t, env.Store.SetSessionStatus(ctx, id, models.StatusConnecting))
	}

	// Act
	forA, err := env.Store.FindCandidate(ctx, "a", "")
	require.NoError(t, err)
	forB, err := env.Store.FindCandidate(ctx, "b", "")
	require.NoError(t, err)

	// Assert
	require.NotNil(t, forA)
	require.NotNil(t, forB)
	assert.Equal(t, "b", forA.SessionID)
	assert.Equal(t, "c", forB.SessionID, "never returns the caller")
}

func TestFindCandidateNoneSearching(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()
	newSession(t, env, "a", "alice")
	newSession(t, env, "b", "bob")
	require.NoError(t, env.Store.SetSessionStatus(ctx, "a", models.StatusConnecting))

	got, err := env.Store.FindCandidate(ctx, "a", "")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFindCandidatePrefersOtherGender(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	require.NoError(t, env.Store.CreateSession(ctx, &models.Session{SessionID: "m1", Username: "mike", Gender: models.GenderMale}))
	require.NoError(t, env.Store.CreateSession(ctx, &models.Session{SessionID: "m2", Username: "mark", Gender: models.GenderMale}))
	require.NoError(t, env.Store.CreateSession(ctx, &models.Session{SessionID: "f1", Username: "fran", Gender: models.GenderFemale}))
	for _, id := range []string{"m2", "f1"} {
		env.Clock.Advance(time.Second)
		require.NoError(t, env.Store.SetSessionStatus(ctx, id, models.StatusConnecting))
	}

	// Act
	preferred, err := env.Store.FindCandidate(ctx, "m1", models.GenderMale)
	require.NoError(t, err)
	require.NoError(t, env.Store.SetSessionStatus(ctx, "f1", models.StatusMatched))
	fallback, err := env.Store.FindCandidate(ctx, "m1", models.GenderMale)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "f1", preferred.SessionID)
	assert.Equal(t, "m2", fallback.SessionID)
}

func TestCreateRoomIsCanonical(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	sub := env.Store.Subscribe(feed.Filter{Table: feed.TableRooms, Op: feed.OpInsert, Column: "user1_session_id", Value: "alpha"})
	defer sub.Close()

	// Act
	room, err := env.Store.CreateRoom(ctx, "zulu", "alpha")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "alpha", room.User1SessionID)
	assert.Equal(t, "zulu", room.User2SessionID)
	assert.True(t, room.IsActive())
	assert.Equal(t, room.ID, nextEvent(t, sub).Keys["id"])

	_, err = env.Store.CreateRoom(ctx, "same", "same")
	assert.Error(t, err)
}

func TestEndRoomOnlyOnce(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	room, err := env.Store.CreateRoom(ctx, "a", "b")
	require.NoError(t, err)
	sub := env.Store.Subscribe(feed.Filter{Table: feed.TableRooms, Op: feed.OpUpdate, Column: "id", Value: room.ID})
	defer sub.Close()
	env.Clock.Advance(time.Minute)

	// Act
	first, err := env.Store.EndRoom(ctx, room.ID)
	require.NoError(t, err)
	env.Clock.Advance(time.Minute)
	second, err := env.Store.EndRoom(ctx, room.ID)
	require.NoError(t, err)
	missing, err := env.Store.EndRoom(ctx, "no-such-room")
	require.NoError(t, err)

	// Assert
	assert.True(t, first)
	assert.False(t, second)
	assert.False(t, missing)

	got, err := env.Store.GetRoomByID(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(storagetest.Epoch.Add(time.Minute)), "ended_at is written exactly once")

	var row models.ChatRoom
	require.NoError(t, nextEvent(t, sub).Decode(&row))
	assert.NotNil(t, row.EndedAt)
}

func TestGetActiveRoomForSession(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()

	none, err := env.Store.GetActiveRoomForSession(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, none)

	room, err := env.Store.CreateRoom(ctx, "b", "a")
	require.NoError(t, err)
	for _, id := range []string{"a", "b"} {
		got, err := env.Store.GetActiveRoomForSession(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, room.ID, got.ID)
	}

	_, err = env.Store.EndRoom(ctx, room.ID)
	require.NoError(t, err)
	ended, err := env.Store.GetActiveRoomForSession(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, ended)

	_, err = env.Store.GetRoomByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEndActiveRoomsForSessionAndStaleRooms(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	old, err := env.Store.CreateRoom(ctx, "a", "b")
	require.NoError(t, err)
	env.Clock.Advance(25 * time.Hour)
	fresh, err := env.Store.CreateRoom(ctx, "c", "d")
	require.NoError(t, err)
	mine, err := env.Store.CreateRoom(ctx, "e", "f")
	require.NoError(t, err)

	// Act
	stale, err := env.Store.EndStaleRooms(ctx, 24*time.Hour)
	require.NoError(t, err)
	own, err := env.Store.EndActiveRoomsForSession(ctx, "f")
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 1, stale)
	assert.Equal(t, 1, own)
	for id, wantActive := range map[string]bool{old.ID: false, fresh.ID: true, mine.ID: false} {
		got, err := env.Store.GetRoomByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, wantActive, got.IsActive(), id)
	}
}

func TestReconcileOrphanedMatches(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	for _, id := range []string{"orphan", "paired1", "paired2", "fresh"} {
		newSession(t, env, id, "user-"+id)
	}
	require.NoError(t, env.Store.SetSessionStatus(ctx, "orphan", models.StatusMatched))
	require.NoError(t, env.Store.SetSessionStatus(ctx, "paired1", models.StatusMatched))
	require.NoError(t, env.Store.SetSessionStatus(ctx, "paired2", models.StatusMatched))
	_, err := env.Store.CreateRoom(ctx, "paired1", "paired2")
	require.NoError(t, err)
	env.Clock.Advance(2 * time.Minute)
	require.NoError(t, env.Store.SetSessionStatus(ctx, "fresh", models.StatusMatched))

	// Act
	n, err := env.Store.ReconcileOrphanedMatches(ctx, time.Minute)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	want := map[string]models.SessionStatus{
		"orphan":  models.StatusWaiting,
		"paired1": models.StatusMatched,
		"paired2": models.StatusMatched,
		"fresh":   models.StatusMatched, // inside the grace period
	}
	for id, status := range want {
		got, err := env.Store.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, id)
	}
}

func TestReconcileOrphanedMatchesHonoursContext(t *testing.T) {
	env := storagetest.New(t)
	newSession(t, env, "orphan", "user-orphan")
	require.NoError(t, env.Store.SetSessionStatus(context.Background(), "orphan", models.StatusMatched))
	env.Clock.Advance(2 * time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := env.Store.ReconcileOrphanedMatches(ctx, time.Minute)

	assert.Error(t, err)
	assert.Zero(t, n)
	got, err := env.Store.GetSession(context.Background(), "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusMatched, got.Status)
}

func TestExpireAbandonedSearches(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()
	newSession(t, env, "old", "old")
	newSession(t, env, "new", "new")
	require.NoError(t, env.Store.SetSessionStatus(ctx, "old", models.StatusConnecting))
	env.Clock.Advance(2 * time.Minute)
	require.NoError(t, env.Store.SetSessionStatus(ctx, "new", models.StatusConnecting))

	n, err := env.Store.ExpireAbandonedSearches(ctx, time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	old, _ := env.Store.GetSession(ctx, "old")
	fresh, _ := env.Store.GetSession(ctx, "new")
	assert.Equal(t, models.StatusWaiting, old.Status)
	assert.Equal(t, models.StatusConnecting, fresh.Status)
}

func TestCountSessionsByStatus(t *testing.T) {
	env := storagetest.New(t)
	ctx := context.Background()
	newSession(t, env, "a", "alice")
	newSession(t, env, "b", "bob")
	newSession(t, env, "c", "carol")
	require.NoError(t, env.Store.SetSessionStatus(ctx, "c", models.StatusConnecting))

	counts, err := env.Store.CountSessionsByStatus(ctx)

	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.StatusWaiting])
	assert.Equal(t, int64(1), counts[models.StatusConnecting])
	assert.Equal(t, int64(0), counts[models.StatusMatched])
}

func TestSaveMessageAndHistory(t *testing.T) {
	// Arrange
	env := storagetest.New(t)
	ctx := context.Background()
	room, err := env.Store.CreateRoom(ctx, "a", "b")
	require.NoError(t, err)
	sub := env.Store.Subscribe(feed.Filter{Table: feed.TableMessages, Op: feed.OpInsert, Column: "room_id", Value: room.ID})
	defer sub.Close()

	// Act
	require.NoError(t, env.Store.SaveMessage(ctx, &models.Message{RoomID: room.ID, SenderSessionID: "a", MessageText: " hi "}))
	require.NoError(t, env.Store.SaveMessage(ctx, &models.Message{RoomID: room.ID, SenderSessionID: "b", MessageText: "hello"}))
	_, err = env.Store.EndRoom(ctx, room.ID)
	require.NoError(t, err)
	lateErr := env.Store.SaveMessage(ctx, &models.Message{RoomID: room.ID, SenderSessionID: "a", MessageText: "late"})

	// Assert
	assert.NoError(t, lateErr, "messages may land after the room ended")
	assert.Error(t, env.Store.SaveMessage(ctx, &models.Message{RoomID: room.ID, SenderSessionID: "a", MessageText: "   "}))

	history, err := env.Store.GetChatHistory(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "hi", history[0].MessageText)
	assert.Equal(t, "hello", history[1].MessageText)
	assert.Equal(t, "late", history[2].MessageText)

	ev := nextEvent(t, sub)
	assert.Equal(t, "a", ev.Keys["sender_session_id"])
}
