package chathub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"textbuddies/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

type registration struct {
	client Client
	done   chan struct{}
}

// ManagerService is the registry of live connections, one per session.
// A new connection for a session replaces the old one. When a session's last
// connection goes away and it does not come back within ReconnectGrace, its
// active room is torn down so the partner is not left talking to nobody.
type ManagerService struct {
	Clients map[string]Client
	mu      sync.RWMutex

	// Channels
	registerCh   chan registration
	UnregisterCh chan Client
	expiredCh    chan string

	Storage        storage.Storage
	Teardown       *TeardownService
	Clock          clockwork.Clock
	Log            *slog.Logger
	ReconnectGrace time.Duration

	pending map[string]clockwork.Timer
	quit    chan struct{}
	wg      sync.WaitGroup
}

func NewManagerService(s storage.Storage, teardown *TeardownService, clock clockwork.Clock, log *slog.Logger, grace time.Duration) *ManagerService {
	return &ManagerService{
		Clients:        make(map[string]Client),
		registerCh:     make(chan registration),
		UnregisterCh:   make(chan Client),
		expiredCh:      make(chan string),
		Storage:        s,
		Teardown:       teardown,
		Clock:          clock,
		Log:            log,
		ReconnectGrace: grace,
		pending:        make(map[string]clockwork.Timer),
		quit:           make(chan struct{}),
	}
}

// Run processes registrations until ctx is done, then closes every client.
func (m *ManagerService) Run(ctx context.Context) {
	m.Log.Info("hub started")
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-m.registerCh:
			m.register(reg.client)
			close(reg.done)

		case client := <-m.UnregisterCh:
			m.unregister(client)

		case sessionID := <-m.expiredCh:
			delete(m.pending, sessionID)
			if _, ok := m.Get(sessionID); ok {
				continue
			}
			m.wg.Add(1)
			go m.abandon(sessionID)
		}
	}
}

// Register adds client and returns once any connection it replaces is closed.
func (m *ManagerService) Register(client Client) bool {
	reg := registration{client: client, done: make(chan struct{})}
	select {
	case m.registerCh <- reg:
	case <-m.quit:
		return false
	}
	select {
	case <-reg.done:
		return true
	case <-m.quit:
		return false
	}
}

// Unregister removes client if it is still the session's current connection.
func (m *ManagerService) Unregister(client Client) {
	select {
	case m.UnregisterCh <- client:
	case <-m.quit:
	}
}

// Get returns the live connection of a session.
func (m *ManagerService) Get(sessionID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Clients[sessionID]
	return c, ok
}

// Online returns the number of live connections.
func (m *ManagerService) Online() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.Clients)
}

func (m *ManagerService) register(client Client) {
	id := client.GetSessionID()
	if t, ok := m.pending[id]; ok {
		t.Stop()
		delete(m.pending, id)
	}

	m.mu.Lock()
	old, replaced := m.Clients[id]
	m.Clients[id] = client
	m.mu.Unlock()

	if replaced && old != client {
		if n, ok := old.(interface{ Notice(string) }); ok {
			n.Notice(CodeReplaced)
		}
		old.Close()
		m.Log.Info("connection replaced", "session_id", id)
		return
	}
	m.Log.Info("client registered", "session_id", id)
}

func (m *ManagerService) unregister(client Client) {
	id := client.GetSessionID()

	m.mu.Lock()
	current, ok := m.Clients[id]
	if ok && current == client {
		delete(m.Clients, id)
	}
	m.mu.Unlock()

	client.Close()
	if !ok || current != client {
		return
	}
	m.Log.Info("client unregistered", "session_id", id)

	if m.ReconnectGrace <= 0 || m.Teardown == nil {
		return
	}
	m.pending[id] = m.Clock.AfterFunc(m.ReconnectGrace, func() {
		go func() {
			select {
			case m.expiredCh <- id:
			case <-m.quit:
			}
		}()
	})
}

// abandon ends the room of a session whose connection never came back.
func (m *ManagerService) abandon(sessionID string) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	room, err := m.Storage.GetActiveRoomForSession(ctx, sessionID)
	if err != nil {
		m.Log.Warn("abandoned session lookup failed", "session_id", sessionID, "error", err)
		return
	}
	if room == nil {
		return
	}
	if err := m.Teardown.Disconnect(ctx, sessionID, room.ID); err != nil {
		m.Log.Warn("abandoned room teardown failed", "session_id", sessionID, "room_id", room.ID, "error", err)
		return
	}
	m.Log.Info("abandoned room ended", "session_id", sessionID, "room_id", room.ID)
}

func (m *ManagerService) shutdown() {
	close(m.quit)
	for id, t := range m.pending {
		t.Stop()
		delete(m.pending, id)
	}

	m.mu.Lock()
	clients := m.Clients
	m.Clients = make(map[string]Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	m.wg.Wait()
	m.Log.Info("hub stopped")
}
