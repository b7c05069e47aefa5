package conversation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/ws"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls map[string]int

	fetchMessages func(ctx context.Context, before *time.Time, limit int) (api.Page, error)
	sendMessage   func(ctx context.Context, req api.SendRequest) (model.Message, error)
	fetchReplies  func(ctx context.Context, messageID string) (api.Thread, error)
	markRead      func(ctx context.Context) error
}

func (f *fakeAPI) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
}

func (f *fakeAPI) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) FetchMessages(ctx context.Context, _ model.Conversation, before *time.Time, limit int) (api.Page, error) {
	if before == nil {
		f.count("fetchLatest")
	} else {
		f.count("fetchOlder")
	}
	if f.fetchMessages == nil {
		return api.Page{}, nil
	}
	return f.fetchMessages(ctx, before, limit)
}

func (f *fakeAPI) SendMessage(ctx context.Context, _ model.Conversation, req api.SendRequest) (model.Message, error) {
	f.count("send")
	return f.sendMessage(ctx, req)
}

func (f *fakeAPI) FetchReplies(ctx context.Context, messageID string) (api.Thread, error) {
	f.count("replies")
	return f.fetchReplies(ctx, messageID)
}

func (f *fakeAPI) MarkRead(ctx context.Context, _ model.Conversation) error {
	f.count("markRead")
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx)
}

type fakeChannel struct {
	mu        sync.Mutex
	handler   ws.Handler
	listener  ws.StatusListener
	released  bool
	typing    []bool
	reactions []string

	sendReaction func(messageID, emoji string, added bool) error
}

func (c *fakeChannel) Subscribe(screen, conversationID string, h ws.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return func() {
		c.mu.Lock()
		c.released = true
		c.mu.Unlock()
	}
}

func (c *fakeChannel) SendTyping(_ string, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, on)
	return nil
}

func (c *fakeChannel) SendReaction(_, messageID, emoji string, added bool) error {
	if c.sendReaction != nil {
		if err := c.sendReaction(messageID, emoji, added); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	op := "-"
	if added {
		op = "+"
	}
	c.reactions = append(c.reactions, op+emoji)
	return nil
}

func (c *fakeChannel) Status() ws.Status { return ws.StatusConnected }

func (c *fakeChannel) AddStatusListener(fn ws.StatusListener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = fn
	return func() {}
}

func (c *fakeChannel) deliver(t *testing.T, typ ws.EventType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(ws.Envelope{Type: typ, Payload: raw})
}

func (c *fakeChannel) setStatus(prev, next ws.Status) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	fn(prev, next)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender string, min int) model.Message {
	return model.Message{
		ID:             model.Confirmed(id),
		State:          model.StateConfirmed,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           "text " + id,
		SentAt:         t0.Add(time.Duration(min) * time.Minute),
	}
}

var testTyping = typing.Config{Debounce: time.Second, Idle: time.Minute, Expiry: time.Minute}

func openSession(t *testing.T, kind model.Kind, a *fakeAPI, ch *fakeChannel, opts Options) *Session {
	t.Helper()
	opts.SelfID = "me"
	opts.SelfName = "Me"
	if opts.Typing == (typing.Config{}) {
		opts.Typing = testTyping
	}
	s, err := Open(model.Conversation{ID: "c1", Kind: kind}, Deps{API: a, Channel: ch}, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func keys(v View) []string {
	var out []string
	for _, m := range v.Messages {
		out = append(out, m.Key())
	}
	return out
}
