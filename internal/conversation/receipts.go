package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/chatsync/internal/logger"
)

// receipts deduplicates mark-read calls: at most one in flight, and none
// while no message from others arrived since the last successful mark.
type receipts struct {
	inFlight   bool
	lastMarked string
}

// beginMarkRead reports the newest message to mark, or false when a call would be redundant.
func (s *Session) beginMarkRead() (string, bool) {
	if s.receipts.inFlight {
		return "", false
	}
	newest, ok := s.store.NewestFromOthers(s.opts.SelfID)
	if !ok || newest.Key() == s.receipts.lastMarked {
		return "", false
	}
	if newest.ReadAt != nil {
		s.receipts.lastMarked = newest.Key()
		return "", false
	}
	s.receipts.inFlight = true
	return newest.Key(), true
}

func (s *Session) finishMarkRead(target string, at time.Time, err error) {
	s.receipts.inFlight = false
	if err != nil {
		logger.Errorf("conversation %s: mark read: %v", s.conv.ID, err)
		return
	}
	s.receipts.lastMarked = target
	if len(s.store.ApplyRead(s.opts.SelfID, nil, at)) > 0 {
		s.notify()
	}
}

// MarkConversationRead marks the conversation read up to the newest message.
// Redundant calls return nil without touching the network.
func (s *Session) MarkConversationRead(ctx context.Context) error {
	var (
		target string
		ok     bool
	)
	if err := s.do(func() { target, ok = s.beginMarkRead() }); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	err := s.api.MarkRead(ctx, s.conv)
	if err != nil {
		s.escalate(err)
	}
	at := time.Now()
	if derr := s.do(func() { s.finishMarkRead(target, at, err) }); derr != nil {
		return derr
	}
	if err != nil {
		return fmt.Errorf("conversation.MarkConversationRead: %w", err)
	}
	return nil
}

// SetVisible records whether the conversation is on screen. Becoming
// visible with unread messages marks them read.
func (s *Session) SetVisible(visible bool) {
	s.post(func() {
		s.visible = visible
		s.maybeMarkRead()
	})
}

// maybeMarkRead starts a background mark while visible. Runs on the loop.
func (s *Session) maybeMarkRead() {
	if !s.visible || !s.loaded {
		return
	}
	target, ok := s.beginMarkRead()
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		defer cancel()
		err := s.api.MarkRead(ctx, s.conv)
		if err != nil {
			s.escalate(err)
		}
		at := time.Now()
		s.post(func() { s.finishMarkRead(target, at, err) })
	}()
}
