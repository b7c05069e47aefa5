// Package devserver is an in-memory chat backend speaking the same REST and
// live-channel protocol the engine consumes. It backs local development and
// the end-to-end tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/ws"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
)

const (
	defaultPageSize = 30
	maxPageSize     = 100
)

type Options struct {
	// Users maps bearer tokens to identities.
	Users map[string]middleware.Identity
	// SingleReaction limits each user to one emoji per message.
	SingleReaction bool
	// HideTempID strips client_temp_id from live message:new events so
	// clients must fall back to content correlation.
	HideTempID bool
	// SendRateLimit caps conversation requests per user per minute. Zero disables it.
	SendRateLimit int
	// AllowedOrigins is a comma-separated list or "*".
	AllowedOrigins string
}

type Server struct {
	opts     Options
	store    *Store
	hub      *Hub
	upgrader websocket.Upgrader
	router   http.Handler
}

func New(opts Options) *Server {
	store := NewStore(opts.SingleReaction)
	s := &Server{opts: opts, store: store, hub: NewHub(store)}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Store() *Store { return s.store }

func (s *Server) Hub() *Hub { return s.hub }

// Run drives the hub until ctx is done, then closes every connection.
func (s *Server) Run(ctx context.Context) { s.hub.Run(ctx) }

// Post stores a message as if sender had sent it over REST and broadcasts it.
func (s *Server) Post(conv model.Conversation, sender middleware.Identity, req api.SendRequest) (model.Message, error) {
	m, created, err := s.store.Append(conv.ID, conv.Kind, sender, req)
	if err != nil {
		return model.Message{}, err
	}
	if created {
		s.broadcastMessage(m)
	}
	return m, nil
}

func (s *Server) broadcastMessage(m model.Message) {
	dto := model.FromMessage(m)
	if s.opts.HideTempID {
		dto.ClientTempID = ""
	}
	s.hub.Broadcast(m.ConversationID, ws.Outgoing{Type: ws.EventMessageNew, Payload: dto}, nil)
}

func (s *Server) lookup(token string) (middleware.Identity, bool) {
	id, ok := s.opts.Users[token]
	return id, ok
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(s.opts.AllowedOrigins)
	if allowed == "*" || allowed == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)

	origins := []string{"*"}
	if o := strings.TrimSpace(s.opts.AllowedOrigins); o != "" && o != "*" {
		origins = strings.Split(o, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(s.lookup))
		r.Get("/ws", s.serveWS)
		r.Get("/api/messages/{messageID}/replies", s.getReplies)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.opts.SendRateLimit, time.Minute))
			s.mountConversation(r, "/api/chats/{convID}", model.KindDirect)
			s.mountConversation(r, "/api/events/{convID}/chat", model.KindEvent)
		})
	})
	return r
}

func (s *Server) mountConversation(r chi.Router, prefix string, kind model.Kind) {
	r.Route(prefix, func(r chi.Router) {
		r.Get("/messages", func(w http.ResponseWriter, r *http.Request) { s.getMessages(w, r, kind) })
		r.Post("/messages", func(w http.ResponseWriter, r *http.Request) { s.postMessage(w, r, kind) })
		r.Post("/read", func(w http.ResponseWriter, r *http.Request) { s.postRead(w, r, kind) })
	})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	limit := queryInt(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before")
			return
		}
		before = &t
	}
	msgs, hasMore, err := s.store.Page(chi.URLParam(r, "convID"), kind, before, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := api.PageResponse{Messages: make([]model.MessageDTO, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, model.FromMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	var req api.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.ImageURL != "" && !kind.Capabilities().Images {
		writeError(w, http.StatusBadRequest, "images not supported")
		return
	}
	sender := middleware.Identity{ID: middleware.GetUserID(r.Context()), Name: middleware.GetUserName(r.Context())}
	m, err := s.Post(model.Conversation{ID: chi.URLParam(r, "convID"), Kind: kind}, sender, req)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, model.FromMessage(m))
}

func (s *Server) postRead(w http.ResponseWriter, r *http.Request, kind model.Kind) {
	conv := chi.URLParam(r, "convID")
	reader := middleware.GetUserID(r.Context())
	ids, at, err := s.store.MarkRead(conv, kind, reader)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if len(ids) > 0 && kind.Capabilities().ReadReceipts {
		s.hub.Broadcast(conv, ws.Outgoing{Type: ws.EventReadUpdate, Payload: ws.ReadPayload{
			ConversationID: conv,
			ReaderID:       reader,
			MessageIDs:     ids,
			ReadAt:         at,
		}}, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getReplies(w http.ResponseWriter, r *http.Request) {
	orig, replies, err := s.store.Replies(chi.URLParam(r, "messageID"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := api.ThreadResponse{OriginalMessage: model.FromMessage(orig), Replies: make([]model.MessageDTO, 0, len(replies))}
	for _, m := range replies {
		resp.Replies = append(resp.Replies, model.FromMessage(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errKindMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logger.Errorf("devserver: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	user := middleware.Identity{ID: middleware.GetUserID(r.Context()), Name: middleware.GetUserName(r.Context())}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: ws upgrade: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := newClient(s.hub, conn, user, cancel)
	if !s.hub.Register(c) {
		c.abandon()
		return
	}
	c.start(ctx)
}
