package chathub

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"textbuddies/backend/internal/localization"
	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

// Phase is the local view of a chat client.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseSearching Phase = "searching"
	PhaseConnected Phase = "connected"
)

var (
	ErrNotInChat      = errors.New("chathub: not in a chat")
	ErrEmptyMessage   = errors.New("chathub: empty message")
	ErrMessageTooLong = errors.New("chathub: message too long")
	ErrAlreadyInChat  = errors.New("chathub: already in a chat")
	ErrClientClosed   = errors.New("chathub: client closed")
)

// Notice codes double as localization keys.
const (
	CodeConnectionFailed = "connection_failed"
	CodeSendFailed       = "send_failed"
	CodeDisconnectFailed = "disconnect_failed"
	CodeCancelFailed     = "cancel_failed"
	CodeEmptyMessage     = "empty_message"
	CodeMessageTooLong   = "message_too_long"
	CodeNotInChat        = "not_in_chat"
	CodeAlreadyInChat    = "already_in_chat"
	CodeReplaced         = "replaced"
	CodeBadCommand       = "bad_command"
)

const (
	eventBufferSize = 256
	// maxReplay bounds the history replayed on restore so it fits the buffer.
	maxReplay = 200
)

// ChatServices are the collaborators shared by every chat client.
type ChatServices struct {
	Storage   storage.Storage
	Matcher   *MatcherService
	Listener  *ListenerService
	Teardown  *TeardownService
	Clock     clockwork.Clock
	Log       *slog.Logger
	Localizer *localization.Localizer

	SearchTimeout    time.Duration
	OperationTimeout time.Duration
}

// ChatClient is the chat state machine of one connected session.
// Commands and feed callbacks are serialized by mu; gen is bumped on every
// phase change so callbacks from an abandoned phase are dropped.
type ChatClient struct {
	svc     ChatServices
	session *models.Session
	lang    string
	log     *slog.Logger

	mu          sync.Mutex
	phase       Phase
	gen         uint64
	room        *models.ChatRoom
	partner     *models.Session
	lastSeenID  uint
	timer       clockwork.Timer
	cancelPhase context.CancelFunc
	closed      bool

	base      context.Context
	stop      context.CancelFunc
	events    chan models.ClientEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewChatClient builds a client in the waiting phase. Call Restore to pick up
// state left in the store by an earlier connection.
func NewChatClient(svc ChatServices, session *models.Session, lang string) *ChatClient {
	if svc.SearchTimeout <= 0 {
		svc.SearchTimeout = 30 * time.Second
	}
	if svc.OperationTimeout <= 0 {
		svc.OperationTimeout = 10 * time.Second
	}
	if lang == "" {
		lang = localization.DefaultLanguage
	}
	base, stop := context.WithCancel(context.Background())
	return &ChatClient{
		svc:     svc,
		session: session,
		lang:    lang,
		log:     svc.Log.With("session_id", session.SessionID),
		phase:   PhaseWaiting,
		base:    base,
		stop:    stop,
		events:  make(chan models.ClientEvent, eventBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *ChatClient) SessionID() string { return c.session.SessionID }

// Events is the stream of frames for the browser. It is never closed; use Done.
// A reader that lets the buffer fill up gets the client closed.
func (c *ChatClient) Events() <-chan models.ClientEvent { return c.events }

// Done is closed by Close, or when the client is dropped as a slow reader.
func (c *ChatClient) Done() <-chan struct{} { return c.done }

func (c *ChatClient) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// RoomID returns the current room, or "" outside a chat.
func (c *ChatClient) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return ""
	}
	return c.room.ID
}

// PartnerName returns the partner's display name, or "" outside a chat.
func (c *ChatClient) PartnerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partner == nil {
		return ""
	}
	return c.partner.Username
}

// Restore aligns the client with the store: a matched session with an active
// room resumes its chat and replays the history, anything else starts waiting.
func (c *ChatClient) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	id := c.session.SessionID
	current, err := c.svc.Storage.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if current.Status == models.StatusMatched {
		room, err := c.svc.Storage.GetActiveRoomForSession(ctx, id)
		if err != nil {
			return err
		}
		if room != nil {
			partner, err := c.svc.Storage.GetSession(ctx, room.PartnerOf(id))
			if err != nil {
				return err
			}
			c.emit(models.ClientEvent{Type: models.EventReady, Status: models.StatusMatched, Message: c.t("session_restored", c.session.Username)})
			c.enterChatLocked(room, partner)
			c.replayLocked(ctx, room)
			return nil
		}
	}

	if current.Status != models.StatusWaiting {
		if _, err := c.svc.Storage.CompareAndSetStatus(ctx, id, current.Status, models.StatusWaiting); err != nil {
			c.log.Warn("could not reset stale status", "status", current.Status, "error", err)
		}
	}
	c.emit(models.ClientEvent{Type: models.EventReady, Status: models.StatusWaiting, Message: c.t("welcome", c.session.Username)})
	return nil
}

func (c *ChatClient) replayLocked(ctx context.Context, room *models.ChatRoom) {
	history, err := c.svc.Storage.GetChatHistory(ctx, room.ID)
	if err != nil {
		c.log.Warn("could not load chat history", "room_id", room.ID, "error", err)
		return
	}
	if len(history) > maxReplay {
		history = history[len(history)-maxReplay:]
	}
	for _, msg := range history {
		ev := models.ClientEvent{Type: models.EventMessage, RoomID: room.ID, Text: msg.MessageText, At: msg.CreatedAt}
		if msg.SenderSessionID == c.session.SessionID {
			ev.Type = models.EventMessageSent
			ev.Sender = c.session.Username
		} else {
			ev.Sender = c.partner.Username
		}
		c.emit(ev)
		c.lastSeenID = max(c.lastSeenID, msg.ID)
	}
}

// Connect starts a search. The session row subscription is in place before the
// matchmaker runs so a peer's match cannot slip between the two.
func (c *ChatClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	switch c.phase {
	case PhaseConnected:
		c.notice(CodeAlreadyInChat)
		return ErrAlreadyInChat
	case PhaseSearching:
		return nil
	}

	c.gen++
	gen := c.gen
	phaseCtx, cancel := context.WithCancel(c.base)
	matches := c.svc.Listener.AwaitMatch(phaseCtx, c.session.SessionID)

	res, err := c.svc.Matcher.Connect(ctx, c.session)
	if err != nil {
		cancel()
		c.log.Error("connect failed", "error", err)
		c.abandonSearch()
		c.resetLocked()
		c.notice(CodeConnectionFailed)
		return err
	}

	if res.Outcome == OutcomeMatched {
		cancel()
		c.enterChatLocked(res.Room, res.Partner)
		return nil
	}

	c.phase = PhaseSearching
	c.cancelPhase = cancel
	c.armTimerLocked(gen)
	go c.pumpMatches(gen, matches)
	c.emit(models.ClientEvent{Type: models.EventSearchStarted, Status: models.StatusConnecting, Message: c.t("search_started")})
	return nil
}

// Cancel stops a running search.
func (c *ChatClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.phase != PhaseSearching {
		return nil
	}
	return c.cancelSearchLocked(ctx)
}

func (c *ChatClient) cancelSearchLocked(ctx context.Context) error {
	c.resetLocked()

	id := c.session.SessionID
	ok, err := c.svc.Matcher.StopSearching(ctx, id)
	if err != nil {
		c.log.Error("stop searching failed", "error", err)
		c.notice(CodeCancelFailed)
		return err
	}
	if !ok {
		// a peer matched us in the meantime; end that room so the peer is not left hanging
		if room, err := c.svc.Storage.GetActiveRoomForSession(ctx, id); err == nil && room != nil {
			if err := c.svc.Teardown.Disconnect(ctx, id, room.ID); err != nil {
				c.log.Warn("could not end room matched during cancel", "room_id", room.ID, "error", err)
			}
		}
	}
	c.emit(models.ClientEvent{Type: models.EventSearchCancelled, Status: models.StatusWaiting, Message: c.t("search_cancelled")})
	return nil
}

// Send stores text in the current room and echoes it back.
func (c *ChatClient) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	switch {
	case text == "":
		c.notice(CodeEmptyMessage)
		return ErrEmptyMessage
	case utf8.RuneCountInString(text) > models.MaxMessageLength:
		c.notice(CodeMessageTooLong)
		return ErrMessageTooLong
	case c.phase != PhaseConnected:
		c.notice(CodeNotInChat)
		return ErrNotInChat
	}

	msg := &models.Message{
		RoomID:          c.room.ID,
		SenderSessionID: c.session.SessionID,
		MessageText:     text,
	}
	if err := c.svc.Storage.SaveMessage(ctx, msg); err != nil {
		c.log.Error("send failed", "room_id", c.room.ID, "error", err)
		c.notice(CodeSendFailed)
		return err
	}

	c.emit(models.ClientEvent{
		Type:   models.EventMessageSent,
		RoomID: msg.RoomID,
		Sender: c.session.Username,
		Text:   msg.MessageText,
		At:     msg.CreatedAt,
	})
	return nil
}

// Disconnect leaves the current chat (or stops a search). Local state is
// reset even when the store could not be updated.
func (c *ChatClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}

	switch c.phase {
	case PhaseWaiting:
		return nil
	case PhaseSearching:
		return c.cancelSearchLocked(ctx)
	}

	roomID := c.room.ID
	c.resetLocked()

	err := c.svc.Teardown.Disconnect(ctx, c.session.SessionID, roomID)
	if err != nil {
		c.log.Error("disconnect failed", "room_id", roomID, "error", err)
		c.notice(CodeDisconnectFailed)
	}
	c.emit(models.ClientEvent{Type: models.EventChatEnded, RoomID: roomID, Status: models.StatusWaiting, Message: c.t("chat_ended")})
	return err
}

// Notice sends a localized notice to the browser.
func (c *ChatClient) Notice(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notice(code)
}

// Close releases the timer and subscriptions. A running search is stopped;
// an active room is left alone so a reconnecting tab can resume it.
func (c *ChatClient) Close() {
	c.signalDone()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasSearching := c.phase == PhaseSearching
	c.stopTimerLocked()
	c.cancelPhaseLocked()
	c.gen++
	c.mu.Unlock()

	if wasSearching {
		c.abandonSearch()
	}
}

// ---------------------------------------------------------------------------
// feed callbacks
// ---------------------------------------------------------------------------

func (c *ChatClient) pumpMatches(gen uint64, matches <-chan MatchEvent) {
	for ev := range matches {
		c.onMatched(gen, ev)
	}
	c.onFeedLost(gen)
}

func (c *ChatClient) onMatched(gen uint64, ev MatchEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.phase != PhaseSearching {
		return
	}
	c.enterChatLocked(ev.Room, ev.Partner)
}

func (c *ChatClient) pumpRoom(gen uint64, events <-chan RoomEvent) {
	for ev := range events {
		switch ev.Kind {
		case RoomEventMessage:
			c.onPeerMessage(gen, ev)
		case RoomEventEnded:
			c.onRoomEnded(gen)
		}
	}
	c.onFeedLost(gen)
}

// onFeedLost runs when a listener stopped without the phase moving on, i.e. the
// subscription was dropped. The browser is told and the client closed so the
// next connection restores from the store.
func (c *ChatClient) onFeedLost(gen uint64) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.log.Warn("change feed lost", "phase", c.phase)
	c.notice(CodeConnectionFailed)
	c.mu.Unlock()

	c.Close()
}

func (c *ChatClient) onPeerMessage(gen uint64, ev RoomEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.phase != PhaseConnected {
		return
	}
	// already replayed from history
	if ev.Message.ID != 0 && ev.Message.ID <= c.lastSeenID {
		return
	}
	c.lastSeenID = max(c.lastSeenID, ev.Message.ID)
	c.emit(models.ClientEvent{
		Type:   models.EventMessage,
		RoomID: ev.Message.RoomID,
		Sender: ev.SenderName,
		Text:   ev.Message.MessageText,
		At:     ev.Message.CreatedAt,
	})
}

func (c *ChatClient) onRoomEnded(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.phase != PhaseConnected {
		return
	}
	roomID, name := c.room.ID, c.partner.Username
	c.resetLocked()
	c.emit(models.ClientEvent{Type: models.EventRoomEnded, RoomID: roomID, Partner: name, Status: models.StatusWaiting, Message: c.t("chat_ended_by_peer", name)})
}

// onSearchTimeout runs when the search window elapsed. Exactly one no_match is
// emitted per expired search.
func (c *ChatClient) onSearchTimeout(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.phase != PhaseSearching {
		return
	}

	ctx, cancel := c.opContext()
	defer cancel()

	id := c.session.SessionID
	ok, err := c.svc.Matcher.ExpireSearch(ctx, id)
	if err != nil {
		c.log.Error("search expiry failed", "error", err)
	} else if !ok {
		current, gerr := c.svc.Storage.GetSession(ctx, id)
		if gerr == nil && current.Status == models.StatusMatched {
			// matched at the last moment: the listener delivers the room. Check
			// again later in case the match gets rolled back.
			c.armTimerLocked(gen)
			return
		}
	}

	c.resetLocked()
	c.emit(models.ClientEvent{Type: models.EventNoMatch, Status: models.StatusWaiting, Message: c.t("no_match")})
}

// ---------------------------------------------------------------------------
// helpers, mu held
// ---------------------------------------------------------------------------

func (c *ChatClient) enterChatLocked(room *models.ChatRoom, partner *models.Session) {
	c.stopTimerLocked()
	c.cancelPhaseLocked()
	c.gen++
	gen := c.gen

	c.phase = PhaseConnected
	c.room = room
	c.partner = partner
	c.lastSeenID = 0

	phaseCtx, cancel := context.WithCancel(c.base)
	c.cancelPhase = cancel
	events := c.svc.Listener.WatchRoom(phaseCtx, room, c.session, partner)
	go c.pumpRoom(gen, events)

	c.log.Info("chat started", "room_id", room.ID, "partner_id", partner.SessionID)
	c.emit(models.ClientEvent{
		Type:    models.EventMatched,
		RoomID:  room.ID,
		Partner: partner.Username,
		Status:  models.StatusMatched,
		Message: c.t("matched", partner.Username),
	})
}

func (c *ChatClient) resetLocked() {
	c.stopTimerLocked()
	c.cancelPhaseLocked()
	c.gen++
	c.phase = PhaseWaiting
	c.room = nil
	c.partner = nil
	c.lastSeenID = 0
}

func (c *ChatClient) armTimerLocked(gen uint64) {
	c.stopTimerLocked()
	c.timer = c.svc.Clock.AfterFunc(c.svc.SearchTimeout, func() {
		go c.onSearchTimeout(gen)
	})
}

func (c *ChatClient) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *ChatClient) cancelPhaseLocked() {
	if c.cancelPhase != nil {
		c.cancelPhase()
		c.cancelPhase = nil
	}
}

// abandonSearch puts the stored session back to waiting if it is still connecting.
func (c *ChatClient) abandonSearch() {
	ctx, cancel := c.opContext()
	defer cancel()
	if _, err := c.svc.Matcher.StopSearching(ctx, c.session.SessionID); err != nil {
		c.log.Warn("could not stop search", "error", err)
	}
}

func (c *ChatClient) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.svc.OperationTimeout)
}

func (c *ChatClient) notice(code string) {
	c.emit(models.ClientEvent{Type: models.EventNotice, Code: code, Message: c.t(code)})
}

func (c *ChatClient) emit(ev models.ClientEvent) {
	if ev.At.IsZero() {
		ev.At = c.svc.Clock.Now().UTC()
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event buffer full, dropping slow client", "type", ev.Type)
		c.signalDone()
		go c.Close()
	}
}

// signalDone closes done and releases the feed without taking mu.
func (c *ChatClient) signalDone() {
	c.closeOnce.Do(func() {
		c.stop()
		close(c.done)
	})
}

func (c *ChatClient) t(key string, args ...any) string {
	if c.svc.Localizer == nil {
		return key
	}
	if len(args) == 0 {
		return c.svc.Localizer.GetString(c.lang, key)
	}
	return c.svc.Localizer.Format(c.lang, key, args...)
}
