package chathub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"
)

// MatchEvent reports that another session paired with us.
type MatchEvent struct {
	Room    *models.ChatRoom
	Partner *models.Session
}

// RoomEventKind distinguishes the two things that can happen to a room we are in.
type RoomEventKind int

const (
	RoomEventMessage RoomEventKind = iota
	RoomEventEnded
)

// RoomEvent is a message from the partner or the end of the room.
type RoomEvent struct {
	Kind       RoomEventKind
	Message    *models.Message
	SenderName string
	Room       *models.ChatRoom
}

// ListenerService turns change events into match and room events for one session.
type ListenerService struct {
	Storage storage.Storage
	Log     *slog.Logger

	// The session flip can be observed before the room row is visible.
	RoomLookupAttempts int
	RoomLookupDelay    time.Duration
}

func NewListenerService(s storage.Storage, log *slog.Logger) *ListenerService {
	return &ListenerService{
		Storage:            s,
		Log:                log,
		RoomLookupAttempts: 5,
		RoomLookupDelay:    100 * time.Millisecond,
	}
}

// AwaitMatch watches the session row until it turns matched and the room can be
// resolved, emits one MatchEvent and closes the channel. The subscription is
// in place when AwaitMatch returns. Cancelling ctx releases it.
func (l *ListenerService) AwaitMatch(ctx context.Context, sessionID string) <-chan MatchEvent {
	sub := l.Storage.Subscribe(feed.Filter{
		Table:  feed.TableSessions,
		Op:     feed.OpUpdate,
		Column: "session_id",
		Value:  sessionID,
	})
	out := make(chan MatchEvent, 1)

	go func() {
		defer close(out)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
				l.Log.Warn("session subscription dropped", "session_id", sessionID)
				return
			case ev := <-sub.Events():
				var row models.Session
				if err := ev.Decode(&row); err != nil {
					l.Log.Warn("bad session change event", "session_id", sessionID, "error", err)
					continue
				}
				if row.Status != models.StatusMatched {
					continue
				}

				match, ok := l.resolveMatch(ctx, sessionID)
				if !ok {
					continue
				}
				select {
				case out <- match:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out
}

// resolveMatch re-queries the active room rather than trusting the event payload.
// It gives up as soon as the session is no longer matched: a claim that was
// rolled back leaves no room to wait for.
func (l *ListenerService) resolveMatch(ctx context.Context, sessionID string) (MatchEvent, bool) {
	attempts := max(l.RoomLookupAttempts, 1)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return MatchEvent{}, false
			case <-time.After(l.RoomLookupDelay):
			}
		}

		self, err := l.Storage.GetSession(ctx, sessionID)
		if err != nil {
			l.Log.Warn("session lookup failed", "session_id", sessionID, "error", err)
			continue
		}
		if self.Status != models.StatusMatched {
			return MatchEvent{}, false
		}

		room, err := l.Storage.GetActiveRoomForSession(ctx, sessionID)
		if err != nil {
			l.Log.Warn("room lookup failed", "session_id", sessionID, "error", err)
			continue
		}
		if room == nil {
			continue
		}

		partner, err := l.Storage.GetSession(ctx, room.PartnerOf(sessionID))
		if err != nil {
			l.Log.Warn("partner lookup failed", "session_id", sessionID, "room_id", room.ID, "error", err)
			continue
		}
		return MatchEvent{Room: room, Partner: partner}, true
	}

	l.Log.Info("matched without a visible room, still waiting", "session_id", sessionID)
	return MatchEvent{}, false
}

// WatchRoom streams the partner's messages in arrival order and finally a
// RoomEventEnded once the room gets an end timestamp. Own messages are skipped.
// The channel is closed when the room ends, ctx is cancelled or the feed drops
// one of the subscriptions.
func (l *ListenerService) WatchRoom(ctx context.Context, room *models.ChatRoom, self, partner *models.Session) <-chan RoomEvent {
	messages := l.Storage.Subscribe(feed.Filter{
		Table:  feed.TableMessages,
		Op:     feed.OpInsert,
		Column: "room_id",
		Value:  room.ID,
	})
	updates := l.Storage.Subscribe(feed.Filter{
		Table:  feed.TableRooms,
		Op:     feed.OpUpdate,
		Column: "id",
		Value:  room.ID,
	})
	out := make(chan RoomEvent)

	go func() {
		defer close(out)
		defer messages.Close()
		defer updates.Close()

		emit := func(ev RoomEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// the room may have ended before we subscribed
		if current, err := l.Storage.GetRoomByID(ctx, room.ID); err == nil && !current.IsActive() {
			emit(RoomEvent{Kind: RoomEventEnded, Room: current})
			return
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			l.Log.Warn("room re-read failed", "room_id", room.ID, "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-messages.Done():
				l.Log.Warn("message subscription dropped", "room_id", room.ID)
				return
			case <-updates.Done():
				l.Log.Warn("room subscription dropped", "room_id", room.ID)
				return
			case ev := <-messages.Events():
				var msg models.Message
				if err := ev.Decode(&msg); err != nil {
					l.Log.Warn("bad message change event", "room_id", room.ID, "error", err)
					continue
				}
				if msg.SenderSessionID == self.SessionID {
					continue
				}
				if !emit(RoomEvent{Kind: RoomEventMessage, Message: &msg, SenderName: l.senderName(ctx, &msg, partner), Room: room}) {
					return
				}
			case ev := <-updates.Events():
				var row models.ChatRoom
				if err := ev.Decode(&row); err != nil {
					l.Log.Warn("bad room change event", "room_id", room.ID, "error", err)
					continue
				}
				if row.EndedAt != nil {
					// deliver what already arrived before the end
					for drained := false; !drained; {
						select {
						case mev := <-messages.Events():
							var msg models.Message
							if mev.Decode(&msg) == nil && msg.SenderSessionID != self.SessionID {
								if !emit(RoomEvent{Kind: RoomEventMessage, Message: &msg, SenderName: l.senderName(ctx, &msg, partner), Room: room}) {
									return
								}
							}
						default:
							drained = true
						}
					}
					emit(RoomEvent{Kind: RoomEventEnded, Room: &row})
					return
				}
			}
		}
	}()

	return out
}

func (l *ListenerService) senderName(ctx context.Context, msg *models.Message, partner *models.Session) string {
	if partner != nil && msg.SenderSessionID == partner.SessionID {
		return partner.Username
	}
	sender, err := l.Storage.GetSession(ctx, msg.SenderSessionID)
	if err != nil {
		return ""
	}
	return sender.Username
}
