package memory

import (
	"context"
	"sync"

	"github.com/chatsync/internal/storage"
)

type Client struct {
	mu      sync.RWMutex
	entries map[string]map[string]storage.Entry // conversation -> temp id -> entry
}

func New() *Client {
	return &Client{entries: make(map[string]map[string]storage.Entry)}
}

func (c *Client) Close() error { return nil }

func (c *Client) Put(ctx context.Context, e storage.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.entries[e.ConversationID]
	if !ok {
		conv = make(map[string]storage.Entry)
		c.entries[e.ConversationID] = conv
	}
	conv[e.TempID] = e
	return nil
}

func (c *Client) Delete(ctx context.Context, conversationID, tempID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[conversationID], tempID)
	if len(c.entries[conversationID]) == 0 {
		delete(c.entries, conversationID)
	}
	return nil
}

func (c *Client) List(ctx context.Context, conversationID string) ([]storage.Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]storage.Entry, 0, len(c.entries[conversationID]))
	for _, e := range c.entries[conversationID] {
		out = append(out, e)
	}
	storage.SortEntries(out)
	return out, nil
}
