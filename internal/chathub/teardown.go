package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"
)

// TeardownService ends a room and returns both participants to waiting.
type TeardownService struct {
	Storage storage.Storage
	Log     *slog.Logger
}

func NewTeardownService(s storage.Storage, log *slog.Logger) *TeardownService {
	return &TeardownService{Storage: s, Log: log}
}

// Disconnect ends roomID on behalf of sessionID. An empty, missing or already
// ended room is a no-op. Status resets are conditional on still being matched
// so a participant that already moved on is left alone; a failed reset is
// logged and the orphan sweep picks it up later.
func (t *TeardownService) Disconnect(ctx context.Context, sessionID, roomID string) error {
	if roomID == "" {
		return nil
	}

	room, err := t.Storage.GetRoomByID(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("chathub: disconnect: %w", err)
	}
	if !room.IsActive() {
		return nil
	}

	ended, err := t.Storage.EndRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("chathub: disconnect: %w", err)
	}
	if !ended {
		// the partner ended it first and resets both sides
		return nil
	}

	for _, id := range []string{room.User1SessionID, room.User2SessionID} {
		ok, err := t.Storage.CompareAndSetStatus(ctx, id, models.StatusMatched, models.StatusWaiting)
		if err != nil {
			t.Log.Warn("participant reset failed", "room_id", roomID, "session_id", id, "error", err)
			continue
		}
		if !ok {
			t.Log.Debug("participant already left matched", "room_id", roomID, "session_id", id)
		}
	}

	t.Log.Info("room ended", "room_id", roomID, "by", sessionID)
	return nil
}
