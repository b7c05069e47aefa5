package devserver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/ws"
)

// Hub tracks connected clients and their conversation subscriptions.
type Hub struct {
	store *Store

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    map[string]map[*client]struct{}

	unregister chan *client
	stopping   chan struct{}
	done       chan struct{}
}

func NewHub(store *Store) *Hub {
	return &Hub{
		store:      store,
		clients:    make(map[*client]struct{}),
		subs:       make(map[string]map[*client]struct{}),
		unregister: make(chan *client, 64),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			close(h.stopping)
			h.DropAll()
			return
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register tracks c before its pumps start so early subscribes are not lost.
func (h *Hub) Register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stopping:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) Unregister(c *client) {
	select {
	case h.unregister <- c:
	case <-h.stopping:
	}
}

// DropAll closes every connection. Clients are expected to reconnect.
func (h *Hub) DropAll() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.clients = make(map[*client]struct{})
	h.subs = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// Connected reports the number of live connections.
func (h *Hub) Connected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers reports how many connections follow conv.
func (h *Hub) Subscribers(conv string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conv])
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	for conv, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, conv)
		}
	}
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) subscribe(c *client, conv string) {
	h.mu.Lock()
	set, ok := h.subs[conv]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[conv] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, conv string) {
	h.mu.Lock()
	if set, ok := h.subs[conv]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, conv)
		}
	}
	h.mu.Unlock()
}

// Broadcast sends out to every subscriber of conv except skip.
func (h *Hub) Broadcast(conv string, out ws.Outgoing, skip *client) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.subs[conv]))
	for c := range h.subs[conv] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.enqueue(out)
	}
}

func (h *Hub) handle(c *client, env ws.Envelope) {
	switch env.Type {
	case ws.CmdSubscribe, ws.CmdUnsubscribe:
		var p ws.SubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			c.sendError("conversation_id required")
			return
		}
		if env.Type == ws.CmdSubscribe {
			h.subscribe(c, p.ConversationID)
		} else {
			h.unsubscribe(c, p.ConversationID)
		}
	case ws.EventTypingStart, ws.EventTypingStop:
		var p ws.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			c.sendError("conversation_id required")
			return
		}
		p.UserID, p.UserName = c.user.ID, c.user.Name
		h.Broadcast(p.ConversationID, ws.Outgoing{Type: env.Type, Payload: p}, c)
	case ws.CmdReactionAdd, ws.CmdReactionRemove:
		h.handleReaction(c, env)
	default:
		c.sendError("unknown event type")
	}
}

func (h *Hub) handleReaction(c *client, env ws.Envelope) {
	var p ws.ReactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" || p.Emoji == "" {
		c.sendError("message_id and emoji required")
		return
	}
	conv, changes, err := h.store.React(p.MessageID, c.user.ID, p.Emoji, env.Type == ws.CmdReactionAdd)
	if err != nil {
		logger.Warnf("devserver: reaction user=%s message=%s: %v", c.user.ID, p.MessageID, err)
		c.sendError("message not found")
		return
	}
	for _, ch := range changes {
		h.Broadcast(conv, ws.Outgoing{Type: ws.EventReaction, Payload: ws.ReactionPayload{
			ConversationID: conv,
			MessageID:      p.MessageID,
			UserID:         c.user.ID,
			Emoji:          ch.Emoji,
			Added:          ch.Added,
		}}, nil)
	}
}
