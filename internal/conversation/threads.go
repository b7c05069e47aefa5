package conversation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/timeline"
)

type threadEntry struct {
	thread api.Thread
	stale  bool
}

// threads caches reply threads by anchor id until the Session closes.
type threads struct {
	cache map[string]*threadEntry
	open  map[string]bool
}

func newThreads() *threads {
	return &threads{cache: make(map[string]*threadEntry), open: make(map[string]bool)}
}

func (t *threads) get(anchorID string) (api.Thread, bool) {
	e, ok := t.cache[anchorID]
	if !ok || e.stale {
		return api.Thread{}, false
	}
	return cloneThread(e.thread), true
}

func (t *threads) put(anchorID string, th api.Thread) {
	t.cache[anchorID] = &threadEntry{thread: cloneThread(th)}
}

// reply folds a live reply into the cache: appended if the thread is open,
// otherwise the cached copy is marked stale.
func (t *threads) reply(m model.Message) bool {
	anchorID := m.ReplyTo.MessageID
	e, ok := t.cache[anchorID]
	if !ok {
		return false
	}
	if !t.open[anchorID] {
		e.stale = true
		return false
	}
	for i, r := range e.thread.Replies {
		if r.Key() == m.Key() {
			e.thread.Replies[i] = m.Clone()
			return true
		}
	}
	e.thread.Replies = append(e.thread.Replies, m.Clone())
	e.thread.Original.ReplyCount = len(e.thread.Replies)
	return true
}

func (t *threads) openThreads() map[string]api.Thread {
	if len(t.open) == 0 {
		return nil
	}
	out := make(map[string]api.Thread, len(t.open))
	for id := range t.open {
		if e, ok := t.cache[id]; ok {
			out[id] = cloneThread(e.thread)
		}
	}
	return out
}

func (t *threads) clear() {
	clear(t.cache)
	clear(t.open)
}

func cloneThread(th api.Thread) api.Thread {
	out := api.Thread{Original: th.Original.Clone(), Replies: make([]model.Message, len(th.Replies))}
	for i, r := range th.Replies {
		out.Replies[i] = r.Clone()
	}
	return out
}

// GetReplies returns the reply thread of anchorID, from cache unless it is
// stale. Concurrent calls for one anchor share a fetch.
func (s *Session) GetReplies(ctx context.Context, anchorID string) (api.Thread, error) {
	if !s.conv.Capabilities().Threads {
		return api.Thread{}, fmt.Errorf("conversation.GetReplies in %s chat: %w", s.conv.Kind, model.ErrUnsupported)
	}
	anchorID = strings.TrimPrefix(anchorID, "m:")
	var (
		cached api.Thread
		hit    bool
	)
	if err := s.do(func() { cached, hit = s.threads.get(anchorID) }); err != nil {
		return api.Thread{}, err
	}
	if hit {
		return cached, nil
	}

	v, err, _ := s.flight.Do("replies:"+anchorID, func() (any, error) {
		defer logger.DeferLogDuration("conversation.GetReplies", time.Now())()
		th, err := s.api.FetchReplies(ctx, anchorID)
		if err != nil {
			s.escalate(err)
			return nil, fmt.Errorf("conversation.GetReplies %s: %w", anchorID, err)
		}
		if err := s.do(func() {
			s.threads.put(anchorID, th)
			if _, ok := s.store.Get(anchorID); ok {
				if s.store.ApplyIncoming(th.Original).Changed() {
					s.notify()
				}
			}
			if s.threads.open[anchorID] {
				s.notify()
			}
		}); err != nil {
			return nil, err
		}
		return th, nil
	})
	if err != nil {
		return api.Thread{}, err
	}
	return cloneThread(v.(api.Thread)), nil
}

// OpenThread marks anchorID as displayed so live replies are appended to it.
func (s *Session) OpenThread(anchorID string) {
	s.post(func() {
		s.threads.open[anchorID] = true
		s.notify()
	})
}

func (s *Session) CloseThread(anchorID string) {
	s.post(func() {
		delete(s.threads.open, anchorID)
		s.notify()
	})
}

// onNewReply counts a reply newly added to the timeline against its parent.
func (s *Session) onNewReply(m model.Message, r timeline.Result) {
	if m.ReplyTo == nil || !s.conv.Capabilities().Threads {
		return
	}
	if r.Outcome != timeline.Inserted && r.Outcome != timeline.Promoted {
		return
	}
	s.store.BumpReplyCount(m.ReplyTo.MessageID)
	s.threads.reply(m)
}
