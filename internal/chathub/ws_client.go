package chathub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"textbuddies/backend/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// WebSocketClient реалізує інтерфейс chathub.Client
type WebSocketClient struct {
	Conn *websocket.Conn
	Hub  *ManagerService
	Chat *ChatClient
	Log  *slog.Logger

	// OperationTimeout bounds each command sent by the browser.
	OperationTimeout time.Duration

	closeOnce sync.Once
}

func NewWebSocketClient(conn *websocket.Conn, hub *ManagerService, chat *ChatClient, log *slog.Logger, opTimeout time.Duration) *WebSocketClient {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &WebSocketClient{
		Conn:             conn,
		Hub:              hub,
		Chat:             chat,
		Log:              log.With("session_id", chat.SessionID()),
		OperationTimeout: opTimeout,
	}
}

func (c *WebSocketClient) GetSessionID() string { return c.Chat.SessionID() }

// Run запускає 'pumps' для WebSocket
func (c *WebSocketClient) Run() {
	go c.writePump()
	go c.readPump()
}

// Close stops the chat client, which in turn makes writePump close the socket.
func (c *WebSocketClient) Close() {
	c.closeOnce.Do(c.Chat.Close)
}

func (c *WebSocketClient) Notice(code string) { c.Chat.Notice(code) }

// Handle runs one browser command against the chat client.
func (c *WebSocketClient) Handle(cmd models.ClientCommand) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.OperationTimeout)
	defer cancel()

	switch cmd.Type {
	case models.CommandConnect:
		return c.Chat.Connect(ctx)
	case models.CommandCancel:
		return c.Chat.Cancel(ctx)
	case models.CommandSend:
		return c.Chat.Send(ctx, cmd.Text)
	case models.CommandDisconnect:
		return c.Chat.Disconnect(ctx)
	}
	c.Chat.Notice(CodeBadCommand)
	return nil
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.OperationTimeout)
	err := c.Chat.Restore(ctx)
	cancel()
	if err != nil {
		c.Log.Error("restore failed", "error", err)
		return
	}

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Log.Warn("error reading message", "error", err)
			}
			break
		}

		var cmd models.ClientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.Log.Debug("error decoding command", "error", err)
			c.Chat.Notice(CodeBadCommand)
			continue
		}

		if err := c.Handle(cmd); err != nil {
			c.Log.Debug("command failed", "type", cmd.Type, "error", err)
		}
	}
}

// writePump читає події з ChatClient і записує їх у WebSocket.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev := <-c.Chat.Events():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(ev); err != nil {
				c.Log.Debug("write failed", "error", err)
				c.Close()
				return
			}

		case <-c.Chat.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			// flush what was queued before the close, e.g. the replaced notice
			for flushed := false; !flushed; {
				select {
				case ev := <-c.Chat.Events():
					if err := c.Conn.WriteJSON(ev); err != nil {
						return
					}
				default:
					flushed = true
				}
			}
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
