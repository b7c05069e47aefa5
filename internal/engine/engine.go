// Package engine wires the process-wide collaborators: one live channel, one
// REST client and one outbox shared by every open conversation screen.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/auth"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/ws"
	"github.com/gorilla/websocket"
)

type Options struct {
	Config *config.Config
	// Tokens defaults to a Holder seeded with Config.AccessToken.
	Tokens *auth.Holder
	// Outbox defaults to memory.
	Outbox     storage.Outbox
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// OnAuthExpired is told when the credential is rejected. The owner is
	// expected to obtain a new one and call Tokens.Set.
	OnAuthExpired func(error)
}

type Engine struct {
	cfg     *config.Config
	tokens  *auth.Holder
	api     *api.Client
	channel *ws.Manager
	outbox  storage.Outbox
	onAuth  func(error)

	mu      sync.Mutex
	screens map[string]*conversation.Session
	closed  bool
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = auth.NewHolder(cfg.AccessToken)
	}
	box := opts.Outbox
	if box == nil {
		box = memory.New()
	}
	e := &Engine{
		cfg:     cfg,
		tokens:  tokens,
		api:     api.NewClient(cfg.APIBaseURL, tokens, opts.HTTPClient),
		outbox:  box,
		onAuth:  opts.OnAuthExpired,
		screens: make(map[string]*conversation.Session),
	}
	e.channel = ws.NewManager(ws.Options{
		URL:           cfg.WSURL,
		Tokens:        tokens,
		Dialer:        opts.Dialer,
		BaseDelay:     cfg.Reconnect.BaseDelay,
		MaxDelay:      cfg.Reconnect.MaxDelay,
		PingInterval:  cfg.PingInterval,
		OnAuthExpired: e.authExpired,
	})
	tokens.OnChange(e.credentialsChanged)
	return e
}

func (e *Engine) Channel() *ws.Manager { return e.channel }

func (e *Engine) API() *api.Client { return e.api }

// Start connects the live channel. A rejected credential is returned; a
// transient failure is logged and left to later Connect calls.
func (e *Engine) Start(ctx context.Context) error {
	err := e.channel.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAuthExpired):
		return fmt.Errorf("engine.Start: %w", err)
	default:
		logger.Warnf("engine.Start: channel not connected: %v", err)
		return nil
	}
}

// Open shows conv on screen. Any session previously on that screen is closed
// after the new one has taken over the subscription. The returned session is
// usable even when the initial load fails; LoadInitial can be retried.
func (e *Engine) Open(ctx context.Context, screen string, conv model.Conversation) (*conversation.Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine.Open: %w", model.ErrClosed)
	}
	e.mu.Unlock()

	s, err := conversation.Open(conv, conversation.Deps{API: e.api, Channel: e.channel, Outbox: e.outbox}, e.sessionOptions(screen))
	if err != nil {
		return nil, fmt.Errorf("engine.Open: %w", err)
	}

	e.mu.Lock()
	prev := e.screens[screen]
	e.screens[screen] = s
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	if !e.channel.IsConnected() {
		if err := e.Start(ctx); err != nil {
			logger.Warnf("engine.Open %s: %v", conv.ID, err)
		}
	}
	if err := s.LoadInitial(ctx); err != nil {
		return s, fmt.Errorf("engine.Open: %w", err)
	}
	return s, nil
}

// CloseScreen closes the session shown on screen, if any.
func (e *Engine) CloseScreen(screen string) {
	e.mu.Lock()
	s := e.screens[screen]
	delete(e.screens, screen)
	e.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Close closes every session, the channel and the outbox.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sessions := make([]*conversation.Session, 0, len(e.screens))
	for _, s := range e.screens {
		sessions = append(sessions, s)
	}
	e.screens = map[string]*conversation.Session{}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.channel.Close()
	if err := e.outbox.Close(); err != nil {
		logger.Errorf("engine.Close: outbox: %v", err)
	}
}

func (e *Engine) sessionOptions(screen string) conversation.Options {
	return conversation.Options{
		Screen:            screen,
		SelfID:            e.cfg.UserID,
		SelfName:          e.cfg.UserName,
		PageSize:          e.cfg.PageSize,
		CorrelationWindow: e.cfg.CorrelationWindow,
		SingleReaction:    e.cfg.SingleReaction,
		Typing: typing.Config{
			Debounce: e.cfg.Typing.Debounce,
			Idle:     e.cfg.Typing.Idle,
			Expiry:   e.cfg.Typing.Expiry,
		},
		OnAuthExpired: e.authExpired,
	}
}

// authExpired runs on whichever goroutine saw the rejection.
func (e *Engine) authExpired(err error) {
	logger.Warnf("engine: credential rejected: %v", err)
	e.channel.CredentialsInvalidated()
	if e.onAuth != nil {
		e.onAuth(err)
	}
}

func (e *Engine) credentialsChanged(valid bool) {
	if !valid {
		e.channel.CredentialsInvalidated()
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.channel.CredentialsRefreshed(ctx); err != nil {
			logger.Errorf("engine: reconnect after credential refresh: %v", err)
		}
	}()
}
