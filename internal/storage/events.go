package storage

import (
	"context"
	"strconv"

	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"
)

// SessionKeys are the filterable columns of a session event.
func SessionKeys(session *models.Session) map[string]string {
	return map[string]string{
		"session_id": session.SessionID,
		"status":     string(session.Status),
	}
}

// RoomKeys are the filterable columns of a room event.
func RoomKeys(room *models.ChatRoom) map[string]string {
	return map[string]string{
		"id":               room.ID,
		"user1_session_id": room.User1SessionID,
		"user2_session_id": room.User2SessionID,
	}
}

// MessageKeys are the filterable columns of a message event.
func MessageKeys(msg *models.Message) map[string]string {
	return map[string]string{
		"id":                strconv.FormatUint(uint64(msg.ID), 10),
		"room_id":           msg.RoomID,
		"sender_session_id": msg.SenderSessionID,
	}
}

func (s *Service) publishSession(ctx context.Context, op feed.Op, session *models.Session) {
	s.publish(ctx, feed.TableSessions, op, SessionKeys(session), session)
}

// publishSessionByID re-reads the row so the event carries the committed state.
func (s *Service) publishSessionByID(ctx context.Context, sessionID string) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		s.Log.Warn("updated session could not be re-read", "session_id", sessionID, "error", err)
		return
	}
	s.publishSession(ctx, feed.OpUpdate, session)
}

func (s *Service) publishRoom(ctx context.Context, op feed.Op, room *models.ChatRoom) {
	s.publish(ctx, feed.TableRooms, op, RoomKeys(room), room)
}

func (s *Service) publishMessage(ctx context.Context, msg *models.Message) {
	s.publish(ctx, feed.TableMessages, feed.OpInsert, MessageKeys(msg), msg)
}

// publish never fails the mutation: the row is already committed, so a lost
// event is logged and left to the sweeper and reconnect paths.
func (s *Service) publish(ctx context.Context, table string, op feed.Op, keys map[string]string, row any) {
	if s.Feed == nil {
		return
	}
	ev, err := feed.NewChangeEvent(table, op, keys, row, s.now())
	if err != nil {
		s.Log.Error("change event could not be encoded", "table", table, "error", err)
		return
	}
	if err := s.Feed.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.Log.Error("change event could not be published", "table", table, "op", op, "error", err)
	}
}
