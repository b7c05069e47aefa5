package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	redisstorage "github.com/chatsync/internal/storage/redis"
)

// ConnectRedisWithRetry connects to Redis, retrying with doubling delay until maxWait elapses.
// logPrefix is prepended to log lines (for example "tail: ").
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := redisstorage.New(dialCtx, redisURL)
		cancel()
		if err == nil {
			return client, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%sredis (gave up after %v): %w", logPrefix, maxWait, err)
		}
		logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// Outbox returns a Redis outbox when redisURL is set, otherwise an in-memory one.
func Outbox(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (storage.Outbox, error) {
	if redisURL == "" {
		logger.Info(logPrefix + "outbox: memory")
		return memory.New(), nil
	}
	client, err := ConnectRedisWithRetry(ctx, redisURL, maxWait, logPrefix)
	if err != nil {
		return nil, err
	}
	logger.Info(logPrefix + "outbox: redis")
	return client, nil
}
