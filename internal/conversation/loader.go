package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

// LoadInitial fetches the most recent page and replaces the timeline.
// Failed messages from the outbox are restored at the tail.
func (s *Session) LoadInitial(ctx context.Context) error {
	defer logger.DeferLogDuration("conversation.LoadInitial", time.Now())()
	_, err, _ := s.flight.Do("initial", func() (any, error) {
		box, err := s.outbox.list(ctx, s.conv.ID)
		if err != nil {
			logger.Errorf("conversation %s: outbox list: %v", s.conv.ID, err)
		}
		page, err := s.api.FetchMessages(ctx, s.conv, nil, s.opts.PageSize)
		if err != nil {
			s.escalate(err)
			return nil, fmt.Errorf("conversation.LoadInitial: %w", err)
		}
		return nil, s.do(func() { s.applyInitial(page, box) })
	})
	return err
}

func (s *Session) applyInitial(page api.Page, box []storage.Entry) {
	s.store.Replace(page.Messages, page.HasMore)
	accepted := make(map[string]bool, len(page.Messages))
	for _, m := range page.Messages {
		if m.ClientTempID != "" {
			accepted[m.ClientTempID] = true
		}
	}
	for _, e := range box {
		if accepted[e.TempID] {
			// The server took it before the client gave up.
			s.persisted[e.TempID] = true
			s.forgetOutbox(e.TempID)
			continue
		}
		if s.store.InsertPending(e.Message()) {
			s.persisted[e.TempID] = true
		}
	}
	for _, m := range s.store.Messages() {
		s.anim.markSeen(m.Key())
	}
	s.loaded = true
	s.maybeMarkRead()
	s.notify()
}

// LoadOlder prepends the page before the oldest loaded message. It is a
// no-op without more history, and concurrent calls share one fetch.
func (s *Session) LoadOlder(ctx context.Context) error {
	_, err, _ := s.flight.Do("older", func() (any, error) {
		var (
			cursor time.Time
			ok     bool
		)
		if err := s.do(func() {
			c, has := s.store.Cursor()
			ok = has && s.store.HasMore() && !s.loadingOlder
			if ok {
				cursor = c
				s.loadingOlder = true
				s.notify()
			}
		}); err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		defer logger.DeferLogDuration("conversation.LoadOlder", time.Now())()
		page, err := s.api.FetchMessages(ctx, s.conv, &cursor, s.opts.PageSize)
		if derr := s.do(func() {
			s.loadingOlder = false
			if err == nil {
				for _, key := range s.store.Prepend(page.Messages, page.HasMore) {
					s.anim.markSeen(key)
				}
			}
			s.notify()
		}); derr != nil {
			return nil, derr
		}
		if err != nil {
			s.escalate(err)
			return nil, fmt.Errorf("conversation.LoadOlder: %w", err)
		}
		return nil, nil
	})
	return err
}

// resync recovers events missed while the channel was down by merging the
// most recent page. Runs on the loop.
func (s *Session) resync() {
	if !s.loaded {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		defer cancel()
		page, err := s.api.FetchMessages(ctx, s.conv, nil, s.opts.PageSize)
		if err != nil {
			s.escalate(err)
			logger.Errorf("conversation %s: resync: %v", s.conv.ID, err)
			return
		}
		s.post(func() {
			changed := false
			for _, m := range page.Messages {
				r := s.store.ApplyIncoming(m)
				switch {
				case r.OldKey != "":
					s.confirmed(r.OldKey, r.Key)
				case r.Key != "":
					s.anim.markSeen(r.Key)
				}
				changed = changed || r.Changed()
			}
			if changed {
				logger.Infof("conversation %s: resync merged %d messages", s.conv.ID, len(page.Messages))
				s.maybeMarkRead()
				s.notify()
			}
		})
	}()
}
