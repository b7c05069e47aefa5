// Package ws owns the process-wide live channel: connect, authenticate,
// detect drops, reconnect with backoff and re-issue subscriptions.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chatsync/internal/auth"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Handler receives live events for a subscribed conversation, in arrival order,
// on the read goroutine. It must not block.
type Handler func(Envelope)

// StatusListener observes every status transition in order.
type StatusListener func(prev, next Status)

// Options configures a Manager.
type Options struct {
	URL    string
	Tokens auth.TokenSource
	Dialer *websocket.Dialer

	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int // 0 retries forever
	PingInterval time.Duration

	// OnAuthExpired is called when the server rejects the credential. Reconnect
	// stays paused until CredentialsRefreshed.
	OnAuthExpired func(error)
}

type transition struct{ prev, next Status }

type subscription struct {
	id      uint64
	conv    string
	handler Handler
}

// Manager is the ConnectionManager. One instance is shared by every open conversation.
// Lifecycle: NewManager -> Connect -> [Subscribe/Unsubscribe]* -> Close.
type Manager struct {
	opts   Options
	flight singleflight.Group

	mu          sync.Mutex
	status      Status
	conn        *websocket.Conn
	send        chan Outgoing
	cancel      context.CancelFunc
	intentional bool
	authPaused  bool
	looping     bool
	recon       *backoff

	screens map[string]subscription
	refs    map[string]int // conversation -> screens subscribed
	nextSub uint64

	listeners  map[int]StatusListener
	nextListen int
	queue      []transition
	notifyMu   sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	return &Manager{
		opts:      opts,
		status:    StatusDisconnected,
		recon:     newBackoff(opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts),
		screens:   make(map[string]subscription),
		refs:      make(map[string]int),
		listeners: make(map[int]StatusListener),
		closed:    make(chan struct{}),
	}
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) IsConnected() bool { return m.Status() == StatusConnected }

// AddStatusListener registers fn and returns a function that removes it.
func (m *Manager) AddStatusListener(fn StatusListener) (remove func()) {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// setStatusLocked records a transition to be delivered by flush.
func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.queue = append(m.queue, transition{prev: m.status, next: s})
	m.status = s
}

// flush delivers queued transitions in order, outside m.mu.
func (m *Manager) flush() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	ls := make([]StatusListener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		ls = append(ls, fn)
	}
	m.mu.Unlock()
	for _, t := range queue {
		logger.Debugf("ws status %s -> %s", t.prev, t.next)
		for _, fn := range ls {
			fn(t.prev, t.next)
		}
	}
}

// Connect establishes the channel unless it is already connected. Concurrent
// callers share one in-flight attempt.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.intentional = false
	if m.authPaused {
		m.mu.Unlock()
		return fmt.Errorf("ws.Connect: %w", model.ErrAuthExpired)
	}
	m.mu.Unlock()
	_, err, _ := m.flight.Do("connect", func() (any, error) {
		return nil, m.connectOnce(ctx)
	})
	return err
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	if m.status != StatusReconnecting {
		m.setStatusLocked(StatusConnecting)
	}
	m.mu.Unlock()
	m.flush()

	conn, err := m.dial(ctx)

	m.mu.Lock()
	if err != nil {
		expired := errors.Is(err, model.ErrAuthExpired)
		if expired {
			m.authPaused = true
		}
		if m.status == StatusConnecting || expired {
			m.setStatusLocked(StatusDisconnected)
		}
		m.mu.Unlock()
		m.flush()
		if expired && m.opts.OnAuthExpired != nil {
			m.opts.OnAuthExpired(err)
		}
		return err
	}
	if m.intentional || m.authPaused {
		// Disconnect raced with the dial.
		m.mu.Unlock()
		conn.Close()
		return fmt.Errorf("ws.Connect: %w", context.Canceled)
	}
	m.attachLocked(conn)
	m.mu.Unlock()
	m.flush()
	return nil
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	defer logger.DeferLogDuration("ws.dial", time.Now())()
	token, err := m.opts.Tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws.dial: %w: %v", model.ErrAuthExpired, err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("ws.dial: %w: status %d", model.ErrAuthExpired, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws.dial: %w: %v", model.ErrTransientNetwork, err)
	}
	return conn, nil
}

// attachLocked installs conn, starts its pumps and re-issues every subscription.
func (m *Manager) attachLocked(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	send := make(chan Outgoing, sendBufSize)
	m.conn = conn
	m.send = send
	m.cancel = cancel
	m.recon.markConnected(time.Now())
	p := &pump{m: m, conn: conn, send: send, pingInterval: m.opts.PingInterval}
	p.start(ctx)
	for conv := range m.refs {
		m.enqueueLocked(Outgoing{Type: CmdSubscribe, Payload: SubscribePayload{ConversationID: conv}})
	}
	m.setStatusLocked(StatusConnected)
}

// dropped is called by the pumps when conn fails.
func (m *Manager) dropped(conn *websocket.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	if m.intentional || m.authPaused {
		m.setStatusLocked(StatusDisconnected)
		m.mu.Unlock()
		m.flush()
		return
	}
	logger.Errorf("ws connection lost: %v", err)
	m.setStatusLocked(StatusReconnecting)
	start := !m.looping
	m.looping = true
	m.mu.Unlock()
	m.flush()
	if start {
		go m.reconnectLoop()
	}
}

func (m *Manager) detachLocked() {
	if m.cancel != nil {
		m.cancel()
	}
	m.conn = nil
	m.send = nil
	m.cancel = nil
}

func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.looping = false
		m.mu.Unlock()
	}()
	for {
		m.mu.Lock()
		delay := m.recon.next(time.Now())
		m.mu.Unlock()
		logger.Infof("ws reconnect in %v", delay)

		t := time.NewTimer(delay)
		select {
		case <-m.closed:
			t.Stop()
			return
		case <-t.C:
		}

		m.mu.Lock()
		stop := m.intentional || m.authPaused || m.status != StatusReconnecting
		m.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		_, err, _ := m.flight.Do("connect", func() (any, error) { return nil, m.connectOnce(ctx) })
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, model.ErrAuthExpired) {
			logger.Errorf("ws reconnect: credential rejected, pausing: %v", err)
			return
		}
		m.mu.Lock()
		if m.recon.exhausted() {
			m.setStatusLocked(StatusDisconnected)
			m.mu.Unlock()
			m.flush()
			logger.Errorf("ws reconnect: giving up: %v", err)
			return
		}
		m.mu.Unlock()
		logger.Errorf("ws reconnect failed: %v", err)
	}
}

// Disconnect closes the channel without scheduling a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	m.detachLocked()
	m.recon.reset()
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.flush()
}

// CredentialsInvalidated drops the channel and pauses reconnect until CredentialsRefreshed.
func (m *Manager) CredentialsInvalidated() {
	m.mu.Lock()
	m.authPaused = true
	m.detachLocked()
	m.setStatusLocked(StatusDisconnected)
	m.mu.Unlock()
	m.flush()
}

// CredentialsRefreshed lifts the auth pause and reconnects if anything is subscribed.
func (m *Manager) CredentialsRefreshed(ctx context.Context) error {
	m.mu.Lock()
	m.authPaused = false
	m.recon.reset()
	want := len(m.refs) > 0 && !m.intentional
	m.mu.Unlock()
	if !want {
		return nil
	}
	return m.Connect(ctx)
}

// Close disconnects and stops any reconnect loop. The Manager is not reusable.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	m.Disconnect()
}

// Subscribe scopes delivery for screen to conversationID. A screen holds at
// most one subscription: switching conversations swaps the old one for the
// new one atomically, so the screen is never subscribed to both or neither.
// The returned function releases this subscription only, and is a no-op
// once the screen has been re-subscribed.
func (m *Manager) Subscribe(screen, conversationID string, h Handler) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	old, had := m.screens[screen]
	m.screens[screen] = subscription{id: id, conv: conversationID, handler: h}
	if !had || old.conv != conversationID {
		if had {
			m.releaseLocked(old.conv)
		}
		m.refs[conversationID]++
		if m.refs[conversationID] == 1 {
			m.enqueueLocked(Outgoing{Type: CmdSubscribe, Payload: SubscribePayload{ConversationID: conversationID}})
		}
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.screens[screen]; ok && cur.id == id {
			m.unsubscribeLocked(screen)
		}
	}
}

// Unsubscribe removes the subscription held by screen, if any.
func (m *Manager) Unsubscribe(screen string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeLocked(screen)
}

func (m *Manager) unsubscribeLocked(screen string) {
	sub, ok := m.screens[screen]
	if !ok {
		return
	}
	delete(m.screens, screen)
	m.releaseLocked(sub.conv)
}

func (m *Manager) releaseLocked(conv string) {
	m.refs[conv]--
	if m.refs[conv] > 0 {
		return
	}
	delete(m.refs, conv)
	m.enqueueLocked(Outgoing{Type: CmdUnsubscribe, Payload: SubscribePayload{ConversationID: conv}})
}

// Subscribed returns the conversation screen is subscribed to.
func (m *Manager) Subscribed(screen string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.screens[screen]
	return sub.conv, ok
}

// enqueueLocked queues out when connected. While disconnected subscriptions
// are re-issued on attach, so nothing needs to be buffered.
func (m *Manager) enqueueLocked(out Outgoing) bool {
	if m.send == nil {
		return false
	}
	select {
	case m.send <- out:
		return true
	default:
		// Send buffer full: drop the connection, the reconnect re-subscribes.
		logger.Errorf("ws send buffer full, dropping connection")
		if m.conn != nil {
			m.conn.Close()
		}
		return false
	}
}

// Send queues a command frame. It fails with ErrTransientNetwork while not connected.
func (m *Manager) Send(out Outgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enqueueLocked(out) {
		return fmt.Errorf("ws.Send %s: %w", out.Type, model.ErrTransientNetwork)
	}
	return nil
}

func (m *Manager) SendTyping(conversationID string, typing bool) error {
	t := EventTypingStop
	if typing {
		t = EventTypingStart
	}
	return m.Send(Outgoing{Type: t, Payload: TypingPayload{ConversationID: conversationID}})
}

func (m *Manager) SendReaction(conversationID, messageID, emoji string, added bool) error {
	t := CmdReactionRemove
	if added {
		t = CmdReactionAdd
	}
	return m.Send(Outgoing{Type: t, Payload: ReactionPayload{
		ConversationID: conversationID,
		MessageID:      messageID,
		Emoji:          emoji,
		Added:          added,
	}})
}

// dispatch routes env to the screens subscribed to its conversation.
func (m *Manager) dispatch(env Envelope) {
	if env.Type == EventError {
		var p ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		logger.Errorf("ws server error: %s", p.Message)
		return
	}
	conv := ConversationOf(env.Payload)
	if conv == "" {
		logger.Errorf("ws drop event type=%s: %v", env.Type, &model.PayloadError{Event: string(env.Type), Field: "conversation_id"})
		return
	}
	m.mu.Lock()
	var targets []Handler
	for _, sub := range m.screens {
		if sub.conv == conv {
			targets = append(targets, sub.handler)
		}
	}
	m.mu.Unlock()
	for _, h := range targets {
		h(env)
	}
}
