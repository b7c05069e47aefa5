package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Failed messages are kept a week after the last write to their conversation.
const OutboxTTL = 7 * 24 * time.Hour

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func key(conversationID string) string { return "outbox:" + conversationID }

// Put stores the entry in the hash outbox:{conversation} under its temp id.
func (c *Client) Put(ctx context.Context, e storage.Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis outbox marshal: %w", err)
	}
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key(e.ConversationID), e.TempID, raw)
	pipe.Expire(ctx, key(e.ConversationID), OutboxTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) Delete(ctx context.Context, conversationID, tempID string) error {
	return c.cli.HDel(ctx, key(conversationID), tempID).Err()
}

// List returns the conversation's entries oldest first. Undecodable fields are skipped.
func (c *Client) List(ctx context.Context, conversationID string) ([]storage.Entry, error) {
	vals, err := c.cli.HGetAll(ctx, key(conversationID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]storage.Entry, 0, len(vals))
	for field, raw := range vals {
		var e storage.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			logger.Errorf("redis outbox %s/%s: %v", conversationID, field, err)
			continue
		}
		out = append(out, e)
	}
	storage.SortEntries(out)
	return out, nil
}

// FlushDB clears the current database, for tests.
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
