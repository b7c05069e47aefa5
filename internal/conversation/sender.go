package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/google/uuid"
)

// Send inserts a Pending message at the tail and delivers it in the
// background. It returns the client temp id without waiting for the network.
func (s *Session) Send(text, imageURL string, replyTo *model.ReplyRef) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && imageURL == "" {
		return "", ErrEmptyMessage
	}
	if imageURL != "" && !s.conv.Capabilities().Images {
		return "", fmt.Errorf("conversation.Send image: %w", model.ErrUnsupported)
	}
	tempID := uuid.NewString()
	now := time.Now()
	m := model.Message{
		ID:          model.Local(tempID),
		State:       model.StatePending,
		SenderID:    s.opts.SelfID,
		SenderName:  s.opts.SelfName,
		Text:        text,
		ImageURL:    imageURL,
		SentAt:      now,
		AttemptedAt: now,
	}
	if replyTo != nil {
		r := *replyTo
		m.ReplyTo = &r
	}
	err := s.do(func() {
		if !s.store.InsertPending(m) {
			return
		}
		s.anim.markNew(m.Key())
		s.typing.Stop()
		s.deliver(m)
		s.notify()
	})
	if err != nil {
		return "", err
	}
	return tempID, nil
}

// Retry re-sends a Failed message under the same temp id, in the same slot.
func (s *Session) Retry(tempID string) error {
	var err error
	if derr := s.do(func() {
		m, ok := s.store.MarkRetrying(tempID, time.Now())
		if !ok {
			err = fmt.Errorf("conversation.Retry %s: %w", tempID, model.ErrNotFound)
			return
		}
		s.deliver(m)
		s.notify()
	}); derr != nil {
		return derr
	}
	return err
}

// Remove discards a Failed message.
func (s *Session) Remove(tempID string) error {
	var err error
	if derr := s.do(func() {
		key := model.Local(tempID).Key()
		m, ok := s.store.Get(key)
		switch {
		case !ok:
			err = fmt.Errorf("conversation.Remove %s: %w", tempID, model.ErrNotFound)
			return
		case !m.IsFailed():
			err = fmt.Errorf("conversation.Remove %s in state %s: %w", tempID, m.State, model.ErrUnsupported)
			return
		}
		s.store.Remove(key)
		s.anim.forget(key)
		s.forgetOutbox(tempID)
		s.notify()
	}); derr != nil {
		return derr
	}
	return err
}

// deliver queues the network leg of a send. Sends of one session reach the
// server one at a time, in the order they were queued. Runs on the loop; the
// request itself does not.
func (s *Session) deliver(m model.Message) {
	s.sendQueue = append(s.sendQueue, m)
	s.nextSend()
}

func (s *Session) nextSend() {
	for !s.sending && len(s.sendQueue) > 0 {
		m := s.sendQueue[0]
		s.sendQueue = s.sendQueue[1:]
		if _, ok := s.store.Get(m.Key()); !ok {
			continue
		}
		s.sending = true
		s.sendOne(m)
	}
}

func (s *Session) sendOne(m model.Message) {
	req := api.SendRequest{ClientTempID: m.ID.TempID(), Text: m.Text, ImageURL: m.ImageURL}
	if m.ReplyTo != nil {
		req.ReplyToID = m.ReplyTo.MessageID
	}
	go func() {
		defer logger.DeferLogDuration("conversation.send", time.Now())()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		defer cancel()
		resp, err := s.api.SendMessage(ctx, s.conv, req)
		if err != nil {
			s.escalate(err)
		}
		s.post(func() { s.sendDone(m, resp, err) })
	}()
}

func (s *Session) sendDone(m model.Message, resp model.Message, err error) {
	s.sending = false
	defer s.nextSend()
	tempID := m.ID.TempID()
	if err != nil {
		if !s.store.MarkFailed(tempID) {
			return
		}
		if errors.Is(err, model.ErrTransientNetwork) {
			logger.Warnf("conversation %s: send %s failed: %v", s.conv.ID, tempID, err)
		} else {
			logger.Errorf("conversation %s: send %s failed: %v", s.conv.ID, tempID, err)
		}
		failed, _ := s.store.Get(model.Local(tempID).Key())
		s.persisted[tempID] = true
		s.outbox.put(storage.EntryFromMessage(failed))
		s.notify()
		return
	}
	resp.ClientTempID = tempID
	r := s.store.ApplyIncoming(resp)
	if r.OldKey != "" {
		s.confirmed(r.OldKey, r.Key)
		s.onNewReply(resp, r)
	}
	if r.Changed() {
		s.notify()
	}
}

// confirmed moves the one-shot animation flag to the server key and drops
// the outbox copy of a promoted entry.
func (s *Session) confirmed(oldKey, newKey string) {
	s.anim.rekey(oldKey, newKey)
	if tempID, ok := strings.CutPrefix(oldKey, "tmp:"); ok {
		s.forgetOutbox(tempID)
	}
}

func (s *Session) forgetOutbox(tempID string) {
	if !s.persisted[tempID] {
		return
	}
	delete(s.persisted, tempID)
	s.outbox.delete(s.conv.ID, tempID)
}

// ToggleReaction flips the caller's emoji on a confirmed message and tells
// the server. The local change is rolled back if the channel is down.
func (s *Session) ToggleReaction(messageID, emoji string) error {
	var err error
	if derr := s.do(func() { err = s.toggleReaction(messageID, emoji) }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) toggleReaction(messageID, emoji string) error {
	m, ok := s.store.Get(messageID)
	if !ok {
		return fmt.Errorf("conversation.ToggleReaction %s: %w", messageID, model.ErrNotFound)
	}
	if !m.ID.IsConfirmed() {
		return fmt.Errorf("conversation.ToggleReaction on %s message: %w", m.State, model.ErrUnsupported)
	}
	before := m.Reactions.EmojisOf(s.opts.SelfID)
	added, _ := s.store.ToggleReaction(messageID, emoji, s.opts.SelfID)
	serverID := m.ID.ServerID()
	if err := s.ch.SendReaction(s.conv.ID, serverID, emoji, added); err != nil {
		s.store.ApplyReaction(serverID, emoji, s.opts.SelfID, !added)
		for _, e := range before {
			s.store.ApplyReaction(serverID, e, s.opts.SelfID, true)
		}
		return fmt.Errorf("conversation.ToggleReaction: %w", err)
	}
	if added && s.opts.SingleReaction {
		for _, e := range before {
			if e != emoji {
				if err := s.ch.SendReaction(s.conv.ID, serverID, e, false); err != nil {
					logger.Errorf("conversation %s: reaction remove %s: %v", s.conv.ID, e, err)
				}
			}
		}
	}
	s.notify()
	return nil
}

// outboxWriter serializes outbox writes so a put and a later delete for the
// same entry cannot be reordered.
type outboxWriter struct {
	box   storage.Outbox
	queue chan func(context.Context)
	done  <-chan struct{}
}

func newOutboxWriter(box storage.Outbox, done <-chan struct{}) *outboxWriter {
	w := &outboxWriter{box: box, queue: make(chan func(context.Context), 64), done: done}
	go w.run()
	return w
}

func (w *outboxWriter) run() {
	exec := func(fn func(context.Context)) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(ctx)
	}
	for {
		select {
		case fn := <-w.queue:
			exec(fn)
		case <-w.done:
			// Flush what the loop queued before closing.
			for {
				select {
				case fn := <-w.queue:
					exec(fn)
				default:
					return
				}
			}
		}
	}
}

func (w *outboxWriter) enqueue(fn func(context.Context)) {
	select {
	case w.queue <- fn:
	default:
		logger.Errorf("outbox queue full, dropping write")
	}
}

func (w *outboxWriter) put(e storage.Entry) {
	w.enqueue(func(ctx context.Context) {
		if err := w.box.Put(ctx, e); err != nil {
			logger.Errorf("outbox put %s/%s: %v", e.ConversationID, e.TempID, err)
		}
	})
}

func (w *outboxWriter) delete(conversationID, tempID string) {
	w.enqueue(func(ctx context.Context) {
		if err := w.box.Delete(ctx, conversationID, tempID); err != nil {
			logger.Errorf("outbox delete %s/%s: %v", conversationID, tempID, err)
		}
	})
}

func (w *outboxWriter) list(ctx context.Context, conversationID string) ([]storage.Entry, error) {
	return w.box.List(ctx, conversationID)
}
