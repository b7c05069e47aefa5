package devserver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/google/uuid"
)

var (
	errEmptyMessage = errors.New("text or image_url required")
	errKindMismatch = errors.New("conversation exists with another kind")
)

type conversation struct {
	kind     model.Kind
	messages []model.Message // ascending by SentAt, append-only
}

type location struct {
	conv string
	idx  int
}

// Store is the in-memory message backend. Sent-at times are strictly
// increasing so pages have a stable order.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*conversation
	byID   map[string]location
	sent   map[string]string // sender/client temp id -> message id
	single bool
	last   time.Time
	now    func() time.Time
}

func NewStore(singleReaction bool) *Store {
	return &Store{
		convs:  make(map[string]*conversation),
		byID:   make(map[string]location),
		sent:   make(map[string]string),
		single: singleReaction,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) convLocked(id string, kind model.Kind) (*conversation, error) {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{kind: kind}
		s.convs[id] = c
		return c, nil
	}
	if c.kind != kind {
		return nil, fmt.Errorf("%w: %s is %s", errKindMismatch, id, c.kind)
	}
	return c, nil
}

func (s *Store) tickLocked() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Page returns up to limit messages strictly before before (or the latest
// when nil), ascending, and whether older messages exist.
func (s *Store) Page(convID string, kind model.Kind, before *time.Time, limit int) ([]model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(convID, kind)
	if err != nil {
		return nil, false, err
	}
	end := len(c.messages)
	if before != nil {
		end = sort.Search(len(c.messages), func(i int) bool { return !c.messages[i].SentAt.Before(*before) })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, 0, end-start)
	for _, m := range c.messages[start:end] {
		out = append(out, m.Clone())
	}
	return out, start > 0, nil
}

// Append stores a message from sender. A repeated client temp id from the
// same sender returns the original message with created false.
func (s *Store) Append(convID string, kind model.Kind, sender middleware.Identity, req api.SendRequest) (model.Message, bool, error) {
	if strings.TrimSpace(req.Text) == "" && req.ImageURL == "" {
		return model.Message{}, false, errEmptyMessage
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(convID, kind)
	if err != nil {
		return model.Message{}, false, err
	}
	dedupe := ""
	if req.ClientTempID != "" {
		dedupe = sender.ID + "/" + req.ClientTempID
		if id, ok := s.sent[dedupe]; ok {
			loc := s.byID[id]
			return s.convs[loc.conv].messages[loc.idx].Clone(), false, nil
		}
	}

	m := model.Message{
		ID:             model.Confirmed(uuid.NewString()),
		State:          model.StateConfirmed,
		ConversationID: convID,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		Text:           strings.TrimSpace(req.Text),
		ImageURL:       req.ImageURL,
		SentAt:         s.tickLocked(),
		ClientTempID:   req.ClientTempID,
	}
	if req.ReplyToID != "" {
		loc, ok := s.byID[req.ReplyToID]
		if !ok || loc.conv != convID {
			return model.Message{}, false, fmt.Errorf("reply_to %s: %w", req.ReplyToID, model.ErrNotFound)
		}
		parent := &s.convs[loc.conv].messages[loc.idx]
		parent.ReplyCount++
		m.ReplyTo = &model.ReplyRef{MessageID: req.ReplyToID, SenderName: parent.SenderName, Text: parent.Text}
	}
	s.byID[m.ID.ServerID()] = location{conv: convID, idx: len(c.messages)}
	c.messages = append(c.messages, m)
	if dedupe != "" {
		s.sent[dedupe] = m.ID.ServerID()
	}
	return m.Clone(), true, nil
}

func (s *Store) Get(messageID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byID[messageID]
	if !ok {
		return model.Message{}, false
	}
	return s.convs[loc.conv].messages[loc.idx].Clone(), true
}

// Replies returns the anchor and its direct replies, ascending.
func (s *Store) Replies(messageID string) (model.Message, []model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.byID[messageID]
	if !ok {
		return model.Message{}, nil, model.ErrNotFound
	}
	c := s.convs[loc.conv]
	var replies []model.Message
	for _, m := range c.messages[loc.idx+1:] {
		if m.ReplyTo != nil && m.ReplyTo.MessageID == messageID {
			replies = append(replies, m.Clone())
		}
	}
	return c.messages[loc.idx].Clone(), replies, nil
}

// MarkRead sets read-at on every unread message not sent by readerID and
// returns their ids.
func (s *Store) MarkRead(convID string, kind model.Kind, readerID string) ([]string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.convLocked(convID, kind)
	if err != nil {
		return nil, time.Time{}, err
	}
	at := s.tickLocked()
	var ids []string
	for i := range c.messages {
		m := &c.messages[i]
		if m.SenderID == readerID || m.ReadAt != nil {
			continue
		}
		t := at
		m.ReadAt = &t
		ids = append(ids, m.ID.ServerID())
	}
	return ids, at, nil
}

// ReactionChange is one membership change caused by React.
type ReactionChange struct {
	Emoji string
	Added bool
}

// React applies a reaction command and returns the conversation plus the
// changes it caused. With single reactions an add also removes the user's
// other emojis.
func (s *Store) React(messageID, userID, emoji string, added bool) (string, []ReactionChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc, ok := s.byID[messageID]
	if !ok {
		return "", nil, model.ErrNotFound
	}
	r := &s.convs[loc.conv].messages[loc.idx].Reactions
	var changes []ReactionChange
	if !added {
		if r.Remove(emoji, userID) {
			changes = append(changes, ReactionChange{Emoji: emoji})
		}
		return loc.conv, changes, nil
	}
	if s.single {
		for _, other := range r.EmojisOf(userID) {
			if other != emoji && r.Remove(other, userID) {
				changes = append(changes, ReactionChange{Emoji: other})
			}
		}
	}
	if r.Add(emoji, userID) {
		changes = append(changes, ReactionChange{Emoji: emoji, Added: true})
	}
	return loc.conv, changes, nil
}
