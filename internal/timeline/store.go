// Package timeline is the canonical message list of one conversation. It
// merges paged history, live events and local optimistic entries into one
// ordered, de-duplicated sequence.
//
// A Store is not safe for concurrent use; its owner serializes access.
package timeline

import (
	"sort"
	"time"

	"github.com/chatsync/internal/model"
)

type Options struct {
	// CorrelationWindow bounds the fallback match between an incoming
	// message without an echoed temp id and a Pending local entry.
	CorrelationWindow time.Duration
	// SingleReaction restricts each user to one emoji per message.
	SingleReaction bool
}

type Store struct {
	conv    model.Conversation
	opts    Options
	entries []model.Message
	index   map[string]int

	hasMore bool
	cursor  time.Time
}

func New(conv model.Conversation, opts Options) *Store {
	if opts.CorrelationWindow <= 0 {
		opts.CorrelationWindow = 15 * time.Second
	}
	return &Store{conv: conv, opts: opts, index: make(map[string]int), hasMore: true}
}

func (s *Store) Conversation() model.Conversation { return s.conv }

func (s *Store) Len() int { return len(s.entries) }

// HasMore reports whether older history may exist.
func (s *Store) HasMore() bool { return s.hasMore }

// Cursor is the sent-at of the oldest loaded history message; ok is false
// before the first page.
func (s *Store) Cursor() (time.Time, bool) { return s.cursor, !s.cursor.IsZero() }

func (s *Store) Get(key string) (model.Message, bool) {
	i, ok := s.index[model.KeyOf(key)]
	if !ok {
		return model.Message{}, false
	}
	return s.entries[i].Clone(), true
}

// Messages returns a deep copy of the timeline in display order.
func (s *Store) Messages() []model.Message {
	out := make([]model.Message, len(s.entries))
	for i, m := range s.entries {
		out[i] = m.Clone()
	}
	return out
}

// Local returns the Pending and Failed entries in timeline order.
func (s *Store) Local() []model.Message {
	var out []model.Message
	for _, m := range s.entries {
		if !m.ID.IsConfirmed() {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (s *Store) reindex() {
	clear(s.index)
	for i, m := range s.entries {
		s.index[m.Key()] = i
	}
}

func (s *Store) owns(m model.Message) bool {
	return m.ConversationID == "" || m.ConversationID == s.conv.ID
}

// Replace installs the most recent page. Local entries and live messages
// newer than the page survive; everything else is discarded.
func (s *Store) Replace(page []model.Message, hasMore bool) {
	old := s.entries
	s.entries = make([]model.Message, 0, len(page)+len(old))
	clear(s.index)
	s.cursor = time.Time{}
	for _, m := range sorted(page) {
		if !m.ID.IsConfirmed() || !s.owns(m) {
			continue
		}
		if _, dup := s.index[m.Key()]; dup {
			continue
		}
		s.index[m.Key()] = len(s.entries)
		s.entries = append(s.entries, m.Clone())
	}
	if len(s.entries) > 0 {
		s.cursor = s.entries[0].SentAt
	}
	s.hasMore = hasMore

	echoed := make(map[string]bool)
	for _, m := range s.entries {
		if m.ClientTempID != "" {
			echoed[m.ClientTempID] = true
		}
	}
	var newest time.Time
	if n := len(s.entries); n > 0 {
		newest = s.entries[n-1].SentAt
	}
	for _, m := range old {
		switch {
		case !m.ID.IsConfirmed():
			if !echoed[m.ID.TempID()] {
				s.entries = append(s.entries, m)
			}
		case m.SentAt.After(newest):
			if _, ok := s.index[m.Key()]; !ok {
				s.insertOrdered(m)
			}
		}
	}
	s.reindex()
}

// Prepend merges an older page before the current oldest entry. Entries
// already present are skipped, so a live message that arrived while the
// page was in flight is never disturbed. It returns the keys it added.
func (s *Store) Prepend(page []model.Message, hasMore bool) []string {
	s.hasMore = hasMore
	page = sorted(page)
	var fresh []model.Message
	seen := make(map[string]bool, len(page))
	for _, m := range page {
		if !m.ID.IsConfirmed() || !s.owns(m) || seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		if _, ok := s.index[m.Key()]; ok {
			continue
		}
		fresh = append(fresh, m.Clone())
	}
	if len(page) > 0 && (s.cursor.IsZero() || page[0].SentAt.Before(s.cursor)) {
		s.cursor = page[0].SentAt
	}
	if len(fresh) == 0 {
		return nil
	}

	// A page entry newer than the head belongs further in; route it there.
	var head, inner []model.Message
	for _, m := range fresh {
		if len(s.entries) > 0 && m.SentAt.After(s.entries[0].SentAt) {
			inner = append(inner, m)
		} else {
			head = append(head, m)
		}
	}
	s.entries = append(head, s.entries...)
	for _, m := range inner {
		s.insertOrdered(m)
	}
	s.reindex()

	keys := make([]string, len(fresh))
	for i, m := range fresh {
		keys[i] = m.Key()
	}
	return keys
}

type Outcome int

const (
	Rejected Outcome = iota
	Duplicate
	Inserted
	Updated
	Promoted
)

func (o Outcome) String() string {
	switch o {
	case Duplicate:
		return "duplicate"
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Promoted:
		return "promoted"
	default:
		return "rejected"
	}
}

// Result describes what ApplyIncoming did. OldKey is the temp key of a
// promoted entry.
type Result struct {
	Outcome Outcome
	Key     string
	OldKey  string
}

// Changed reports whether the timeline was modified.
func (r Result) Changed() bool { return r.Outcome >= Inserted }

// ApplyIncoming merges one confirmed message from history, the live channel
// or a send response. Redelivery is absorbed by identity.
func (s *Store) ApplyIncoming(m model.Message) Result {
	if !m.ID.IsConfirmed() || !s.owns(m) {
		return Result{Outcome: Rejected}
	}
	m.State = model.StateConfirmed
	key := m.Key()

	if i, ok := s.index[key]; ok {
		if m.ClientTempID != "" {
			// The confirmation raced a separate confirmed copy; the pending
			// twin would otherwise show twice.
			if j, ok := s.index[model.Local(m.ClientTempID).Key()]; ok {
				s.updateAt(i, m)
				s.removeAt(j)
				return Result{Outcome: Updated, Key: key, OldKey: model.Local(m.ClientTempID).Key()}
			}
		}
		if s.updateAt(i, m) {
			return Result{Outcome: Updated, Key: key}
		}
		return Result{Outcome: Duplicate, Key: key}
	}

	if i := s.correlate(m); i >= 0 {
		oldKey := s.entries[i].Key()
		s.promoteAt(i, m)
		return Result{Outcome: Promoted, Key: key, OldKey: oldKey}
	}

	s.insertOrdered(m.Clone())
	s.reindex()
	return Result{Outcome: Inserted, Key: key}
}

// correlate finds the local entry m confirms: by echoed temp id first, then
// the oldest Pending entry from the same sender with equal content attempted
// within the correlation window.
func (s *Store) correlate(m model.Message) int {
	if m.ClientTempID != "" {
		if i, ok := s.index[model.Local(m.ClientTempID).Key()]; ok {
			return i
		}
		return -1
	}
	for i, e := range s.entries {
		if !e.IsPending() || e.SenderID != m.SenderID || !e.SameContent(m) {
			continue
		}
		at := e.AttemptedAt
		if at.IsZero() {
			at = e.SentAt
		}
		if d := m.SentAt.Sub(at); d < -s.opts.CorrelationWindow || d > s.opts.CorrelationWindow {
			continue
		}
		return i
	}
	return -1
}

// promoteAt confirms the local entry at i in its slot.
func (s *Store) promoteAt(i int, m model.Message) {
	tempID := s.entries[i].ID.TempID()
	out := m.Clone()
	out.State = model.StateConfirmed
	out.ClientTempID = tempID
	out.AttemptedAt = s.entries[i].AttemptedAt
	if out.SenderName == "" {
		out.SenderName = s.entries[i].SenderName
	}
	s.entries[i] = out
	s.reindex()
}

// updateAt folds the server-maintained mutable fields into the entry at i.
func (s *Store) updateAt(i int, m model.Message) bool {
	e := &s.entries[i]
	changed := false
	if !reactionsEqual(e.Reactions, m.Reactions) {
		e.Reactions = m.Reactions.Clone()
		changed = true
	}
	if m.ReadAt != nil && (e.ReadAt == nil || !e.ReadAt.Equal(*m.ReadAt)) {
		t := *m.ReadAt
		e.ReadAt = &t
		changed = true
	}
	if m.ReplyCount != e.ReplyCount {
		e.ReplyCount = m.ReplyCount
		changed = true
	}
	return changed
}

// insertOrdered walks back from the tail to the last entry not newer than
// m, so ties keep arrival order and nothing already shown moves. Callers
// reindex once they are done inserting.
func (s *Store) insertOrdered(m model.Message) {
	i := len(s.entries)
	for i > 0 && s.entries[i-1].SentAt.After(m.SentAt) {
		i--
	}
	s.entries = append(s.entries, model.Message{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = m
}

func (s *Store) removeAt(i int) {
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.reindex()
}

// InsertPending appends a locally-originated entry at the tail.
func (s *Store) InsertPending(m model.Message) bool {
	if m.ID.IsConfirmed() || m.ID.IsZero() {
		return false
	}
	if _, ok := s.index[m.Key()]; ok {
		return false
	}
	if m.State != model.StateFailed {
		m.State = model.StatePending
	}
	m.ClientTempID = m.ID.TempID()
	m.ConversationID = s.conv.ID
	s.index[m.Key()] = len(s.entries)
	s.entries = append(s.entries, m.Clone())
	return true
}

// MarkFailed flags a Pending entry for manual retry.
func (s *Store) MarkFailed(tempID string) bool {
	i, ok := s.index[model.Local(tempID).Key()]
	if !ok || !s.entries[i].IsPending() {
		return false
	}
	s.entries[i].State = model.StateFailed
	return true
}

// MarkRetrying moves a Failed entry back to Pending in the same slot.
func (s *Store) MarkRetrying(tempID string, at time.Time) (model.Message, bool) {
	i, ok := s.index[model.Local(tempID).Key()]
	if !ok || !s.entries[i].IsFailed() {
		return model.Message{}, false
	}
	s.entries[i].State = model.StatePending
	s.entries[i].AttemptedAt = at
	return s.entries[i].Clone(), true
}

// Remove discards the entry with key.
func (s *Store) Remove(key string) bool {
	i, ok := s.index[model.KeyOf(key)]
	if !ok {
		return false
	}
	s.removeAt(i)
	return true
}

// ApplyReaction sets membership of userID in the emoji set of a message.
// Adding a held reaction or removing an absent one is a no-op.
func (s *Store) ApplyReaction(messageID, emoji, userID string, added bool) bool {
	i, ok := s.index[model.KeyOf(messageID)]
	if !ok || emoji == "" || userID == "" {
		return false
	}
	r := &s.entries[i].Reactions
	if !added {
		return r.Remove(emoji, userID)
	}
	changed := false
	if s.opts.SingleReaction {
		for _, other := range r.EmojisOf(userID) {
			if other != emoji {
				changed = r.Remove(other, userID) || changed
			}
		}
	}
	return r.Add(emoji, userID) || changed
}

// ToggleReaction flips membership and reports the new state.
func (s *Store) ToggleReaction(messageID, emoji, userID string) (added, ok bool) {
	i, found := s.index[model.KeyOf(messageID)]
	if !found {
		return false, false
	}
	added = !s.entries[i].Reactions.Has(emoji, userID)
	return added, s.ApplyReaction(messageID, emoji, userID, added)
}

// ApplyRead records that readerID has read the given messages. With no ids
// it covers every confirmed message not sent by the reader up to at.
func (s *Store) ApplyRead(readerID string, ids []string, at time.Time) []string {
	var changed []string
	mark := func(i int) {
		e := &s.entries[i]
		if e.ReadAt != nil && !e.ReadAt.After(at) {
			return
		}
		t := at
		e.ReadAt = &t
		changed = append(changed, e.Key())
	}
	if len(ids) > 0 {
		for _, id := range ids {
			if i, ok := s.index[model.KeyOf(id)]; ok && s.entries[i].SenderID != readerID {
				mark(i)
			}
		}
		return changed
	}
	for i, e := range s.entries {
		if e.ID.IsConfirmed() && e.SenderID != readerID && !e.SentAt.After(at) {
			mark(i)
		}
	}
	return changed
}

// BumpReplyCount increments the reply count of a parent in the timeline.
func (s *Store) BumpReplyCount(parentID string) bool {
	i, ok := s.index[model.KeyOf(parentID)]
	if !ok {
		return false
	}
	s.entries[i].ReplyCount++
	return true
}

// NewestFromOthers returns the most recent confirmed message not sent by selfID.
func (s *Store) NewestFromOthers(selfID string) (model.Message, bool) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.ID.IsConfirmed() && e.SenderID != selfID {
			return e.Clone(), true
		}
	}
	return model.Message{}, false
}

// ReceiptTarget is the one message that displays a read receipt: the most
// recent confirmed message sent by selfID, in conversations that show receipts.
func (s *Store) ReceiptTarget(selfID string) (string, bool) {
	if !s.conv.Capabilities().ReadReceipts {
		return "", false
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.ID.IsConfirmed() && e.SenderID == selfID {
			return e.Key(), true
		}
	}
	return "", false
}

func sorted(page []model.Message) []model.Message {
	out := append([]model.Message(nil), page...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}

func reactionsEqual(a, b model.Reactions) bool {
	if len(a) != len(b) {
		return false
	}
	for emoji, users := range a {
		other, ok := b[emoji]
		if !ok || len(other) != len(users) {
			return false
		}
		for u := range users {
			if _, ok := other[u]; !ok {
				return false
			}
		}
	}
	return true
}
