package models

import "time"

// CommandType is what a browser asks its chat client to do.
type CommandType string

const (
	CommandConnect    CommandType = "connect"
	CommandCancel     CommandType = "cancel"
	CommandSend       CommandType = "send"
	CommandDisconnect CommandType = "disconnect"
)

// ClientCommand is a frame received from the browser over the WebSocket.
type ClientCommand struct {
	Type CommandType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// EventType is what the server tells the browser.
type EventType string

const (
	EventReady           EventType = "ready"
	EventSearchStarted   EventType = "search_started"
	EventSearchCancelled EventType = "search_cancelled"
	EventMatched         EventType = "matched"
	EventNoMatch         EventType = "no_match"
	EventMessage         EventType = "message"
	EventMessageSent     EventType = "message_sent"
	EventRoomEnded       EventType = "room_ended" // the partner ended the chat
	EventChatEnded       EventType = "chat_ended" // we ended the chat
	EventNotice          EventType = "notice"
)

// ClientEvent is a frame sent to the browser over the WebSocket.
type ClientEvent struct {
	Type    EventType     `json:"type"`
	RoomID  string        `json:"room_id,omitempty"`
	Partner string        `json:"partner,omitempty"`
	Sender  string        `json:"sender,omitempty"`
	Text    string        `json:"text,omitempty"`
	Code    string        `json:"code,omitempty"`
	Message string        `json:"message,omitempty"`
	Status  SessionStatus `json:"status,omitempty"`
	At      time.Time     `json:"at"`
}
