package timeline

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/google/go-cmp/cmp"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func direct() model.Conversation { return model.Conversation{ID: "c1", Kind: model.KindDirect} }

func confirmed(id, sender string, min int) model.Message {
	return model.Message{
		ID:             model.Confirmed(id),
		State:          model.StateConfirmed,
		ConversationID: "c1",
		SenderID:       sender,
		Text:           "text " + id,
		SentAt:         t0.Add(time.Duration(min) * time.Minute),
	}
}

func pending(tempID, sender, text string, at time.Time) model.Message {
	return model.Message{
		ID:          model.Local(tempID),
		State:       model.StatePending,
		SenderID:    sender,
		Text:        text,
		SentAt:      at,
		AttemptedAt: at,
	}
}

func keys(s *Store) []string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.Key())
	}
	return out
}

func TestApplyIncomingNoDuplicatesAndOrdered(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := New(direct(), Options{})
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("m%d", rng.Intn(15))
			m := confirmed(id, "u2", rng.Intn(4))
			s.ApplyIncoming(m)
		}
		seen := map[string]bool{}
		msgs := s.Messages()
		for i, m := range msgs {
			if seen[m.ID.ServerID()] {
				t.Fatalf("round %d: duplicate %s", round, m.ID.ServerID())
			}
			seen[m.ID.ServerID()] = true
			if i > 0 && msgs[i-1].SentAt.After(m.SentAt) {
				t.Fatalf("round %d: %s after %s out of order", round, m.Key(), msgs[i-1].Key())
			}
		}
	}
}

func TestApplyIncomingTiesKeepArrivalOrder(t *testing.T) {
	s := New(direct(), Options{})
	s.ApplyIncoming(confirmed("a", "u2", 1))
	s.ApplyIncoming(confirmed("b", "u2", 1))
	s.ApplyIncoming(confirmed("c", "u2", 0))
	if diff := cmp.Diff([]string{"m:c", "m:a", "m:b"}, keys(s)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestApplyIncomingUpdatesInPlace(t *testing.T) {
	s := New(direct(), Options{})
	s.ApplyIncoming(confirmed("a", "u2", 0))
	s.ApplyIncoming(confirmed("b", "u2", 1))

	upd := confirmed("a", "u2", 5)
	upd.ReplyCount = 3
	upd.Reactions.Add("👍", "u1")
	if r := s.ApplyIncoming(upd); r.Outcome != Updated {
		t.Fatalf("outcome = %s, want updated", r.Outcome)
	}
	if r := s.ApplyIncoming(upd); r.Outcome != Duplicate {
		t.Fatalf("redelivery outcome = %s, want duplicate", r.Outcome)
	}
	got, _ := s.Get("a")
	if got.ReplyCount != 3 || !got.Reactions.Has("👍", "u1") || !got.SentAt.Equal(t0) {
		t.Errorf("entry = %+v", got)
	}
	if diff := cmp.Diff([]string{"m:a", "m:b"}, keys(s)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSendThenConfirmScenario(t *testing.T) {
	s := New(direct(), Options{})
	s.Replace([]model.Message{confirmed("m1", "u2", 0), confirmed("m2", "u1", 1), confirmed("m3", "u2", 2)}, false)

	now := t0.Add(10 * time.Minute)
	s.InsertPending(pending("t1", "u1", "hi", now))
	if s.Len() != 4 || !s.Messages()[3].IsPending() {
		t.Fatalf("after send: %v", keys(s))
	}

	echo := confirmed("m9", "u1", 10)
	echo.Text = "hi"
	echo.ClientTempID = "t1"
	r := s.ApplyIncoming(echo)
	if r.Outcome != Promoted || r.OldKey != "tmp:t1" {
		t.Fatalf("result = %+v", r)
	}
	msgs := s.Messages()
	if len(msgs) != 4 {
		t.Fatalf("len = %d", len(msgs))
	}
	last := msgs[3]
	if last.ID.ServerID() != "m9" || last.State != model.StateConfirmed || last.ClientTempID != "t1" {
		t.Errorf("last = %+v", last)
	}
}

func TestConfirmationEitherOrder(t *testing.T) {
	now := t0.Add(time.Minute)
	confirm := func() model.Message {
		m := confirmed("m9", "u1", 1)
		m.Text = "hi"
		m.ClientTempID = "t1"
		return m
	}
	liveNoEcho := func() model.Message {
		m := confirmed("m9", "u1", 1)
		m.Text = "hi"
		return m
	}
	tests := []struct {
		name  string
		steps []model.Message
	}{
		{"ResponseThenEcho", []model.Message{confirm(), liveNoEcho()}},
		{"EchoThenResponse", []model.Message{liveNoEcho(), confirm()}},
		{"EchoWithTempThenResponse", []model.Message{confirm(), confirm()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(direct(), Options{})
			s.InsertPending(pending("t1", "u1", "hi", now))
			for _, m := range tt.steps {
				s.ApplyIncoming(m)
			}
			if diff := cmp.Diff([]string{"m:m9"}, keys(s)); diff != "" {
				t.Errorf("timeline (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfirmationDropsPendingTwin(t *testing.T) {
	// The live copy arrived outside the correlation window and was inserted
	// on its own; the send response must not leave the pending entry behind.
	s := New(direct(), Options{CorrelationWindow: time.Second})
	s.InsertPending(pending("t1", "u1", "hi", t0))
	live := confirmed("m9", "u1", 5)
	live.Text = "hi"
	if r := s.ApplyIncoming(live); r.Outcome != Inserted {
		t.Fatalf("live outcome = %s", r.Outcome)
	}
	resp := live
	resp.ClientTempID = "t1"
	r := s.ApplyIncoming(resp)
	if r.OldKey != "tmp:t1" {
		t.Fatalf("result = %+v", r)
	}
	if diff := cmp.Diff([]string{"m:m9"}, keys(s)); diff != "" {
		t.Errorf("timeline (-want +got):\n%s", diff)
	}
}

func TestFallbackCorrelation(t *testing.T) {
	tests := []struct {
		name     string
		incoming model.Message
		promoted string
	}{
		{"OldestMatchingPending", withText(confirmed("m9", "u1", 0), "hi"), "tmp:t1"},
		{"DifferentText", withText(confirmed("m9", "u1", 0), "bye"), ""},
		{"OtherSender", withText(confirmed("m9", "u2", 0), "hi"), ""},
		{"OutsideWindow", withText(confirmed("m9", "u1", 30), "hi"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(direct(), Options{CorrelationWindow: 15 * time.Second})
			s.InsertPending(pending("t1", "u1", "hi", t0))
			s.InsertPending(pending("t2", "u1", "hi", t0.Add(time.Second)))
			r := s.ApplyIncoming(tt.incoming)
			if tt.promoted == "" {
				if r.Outcome != Inserted {
					t.Fatalf("outcome = %s, want inserted", r.Outcome)
				}
				return
			}
			if r.Outcome != Promoted || r.OldKey != tt.promoted {
				t.Fatalf("result = %+v, want promotion of %s", r, tt.promoted)
			}
			if _, ok := s.Get("tmp:t2"); !ok {
				t.Error("second pending entry was consumed")
			}
		})
	}
}

func withText(m model.Message, text string) model.Message {
	m.Text = text
	return m
}

func TestPrependWithLiveMessageMidFetch(t *testing.T) {
	s := New(direct(), Options{})
	s.Replace([]model.Message{confirmed("m3", "u2", 3), confirmed("m4", "u2", 4)}, true)
	cursor, _ := s.Cursor()

	// Live message arrives while loadOlder is in flight.
	s.ApplyIncoming(confirmed("m5", "u2", 5))
	added := s.Prepend([]model.Message{confirmed("m1", "u2", 1), confirmed("m2", "u2", 2), confirmed("m3", "u2", 3)}, false)

	if diff := cmp.Diff([]string{"m:m1", "m:m2"}, added); diff != "" {
		t.Errorf("added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"m:m1", "m:m2", "m:m3", "m:m4", "m:m5"}, keys(s)); diff != "" {
		t.Errorf("timeline (-want +got):\n%s", diff)
	}
	if c, _ := s.Cursor(); !c.Before(cursor) || s.HasMore() {
		t.Errorf("cursor = %v hasMore = %v", c, s.HasMore())
	}
}

func TestReplaceKeepsLocalEntries(t *testing.T) {
	s := New(direct(), Options{})
	failed := pending("t1", "u1", "hi", t0)
	failed.State = model.StateFailed
	s.InsertPending(failed)
	s.InsertPending(pending("t2", "u1", "again", t0))

	echoed := withText(confirmed("m2", "u1", 2), "again")
	echoed.ClientTempID = "t2"
	s.Replace([]model.Message{confirmed("m1", "u2", 1), echoed}, true)

	if diff := cmp.Diff([]string{"m:m1", "m:m2", "tmp:t1"}, keys(s)); diff != "" {
		t.Errorf("timeline (-want +got):\n%s", diff)
	}
	if m, _ := s.Get("tmp:t1"); !m.IsFailed() {
		t.Errorf("restored entry state = %s", m.State)
	}
}

func TestReplaceKeepsNewerLiveMessagesIndexed(t *testing.T) {
	s := New(direct(), Options{})
	s.ApplyIncoming(confirmed("m5", "u2", 5))
	s.ApplyIncoming(confirmed("m4", "u2", 4))
	s.InsertPending(pending("t1", "u1", "hi", t0.Add(6*time.Minute)))

	s.Replace([]model.Message{confirmed("m1", "u2", 1), confirmed("m2", "u1", 2), confirmed("m3", "u2", 3)}, false)

	want := []string{"m:m1", "m:m2", "m:m3", "m:m4", "m:m5", "tmp:t1"}
	if diff := cmp.Diff(want, keys(s)); diff != "" {
		t.Fatalf("timeline (-want +got):\n%s", diff)
	}
	for _, k := range want {
		if m, ok := s.Get(k); !ok || m.Key() != k {
			t.Errorf("Get(%q) = %q, %v", k, m.Key(), ok)
		}
	}
	update := confirmed("m4", "u2", 4)
	update.ReplyCount = 3
	if r := s.ApplyIncoming(update); r.Outcome != Updated {
		t.Fatalf("update outcome = %s", r.Outcome)
	}
	if m, _ := s.Get("m:m4"); m.ReplyCount != 3 {
		t.Errorf("reply count on m4 = %d, want 3", m.ReplyCount)
	}
}

func TestRetryKeepsSlot(t *testing.T) {
	s := New(direct(), Options{})
	s.ApplyIncoming(confirmed("m1", "u2", 0))
	s.InsertPending(pending("t1", "u1", "hi", t0.Add(time.Minute)))
	s.ApplyIncoming(confirmed("m2", "u2", 2))

	if !s.MarkFailed("t1") {
		t.Fatal("MarkFailed")
	}
	if _, ok := s.MarkRetrying("t1", t0.Add(3*time.Minute)); !ok {
		t.Fatal("MarkRetrying")
	}
	resp := withText(confirmed("m9", "u1", 3), "hi")
	resp.ClientTempID = "t1"
	s.ApplyIncoming(resp)
	if diff := cmp.Diff([]string{"m:m1", "m:m9", "m:m2"}, keys(s)); diff != "" {
		t.Errorf("timeline (-want +got):\n%s", diff)
	}
}

func TestReactionToggleInvolution(t *testing.T) {
	s := New(direct(), Options{})
	m := confirmed("m1", "u2", 0)
	m.Reactions.Add("❤️", "u3")
	s.ApplyIncoming(m)
	before, _ := s.Get("m1")

	if added, ok := s.ToggleReaction("m1", "👍", "u1"); !added || !ok {
		t.Fatalf("first toggle = %v %v", added, ok)
	}
	if added, ok := s.ToggleReaction("m1", "👍", "u1"); added || !ok {
		t.Fatalf("second toggle = %v %v", added, ok)
	}
	after, _ := s.Get("m1")
	if diff := cmp.Diff(before.Reactions, after.Reactions); diff != "" {
		t.Errorf("reactions (-before +after):\n%s", diff)
	}
}

type reactionOp struct {
	emoji string
	add   bool
}

func TestApplyReaction(t *testing.T) {
	tests := []struct {
		name   string
		single bool
		ops    []reactionOp
		want   map[string][]string
	}{
		{
			name: "AddIsIdempotent",
			ops: []reactionOp{{"👍", true}, {"👍", true}},
			want: map[string][]string{"👍": {"u1"}},
		},
		{
			name: "MultiplePerUser",
			ops: []reactionOp{{"👍", true}, {"❤️", true}},
			want: map[string][]string{"👍": {"u1"}, "❤️": {"u1"}},
		},
		{
			name:   "SinglePerUser",
			single: true,
			ops: []reactionOp{{"👍", true}, {"❤️", true}},
			want: map[string][]string{"❤️": {"u1"}},
		},
		{
			name: "RemoveAbsent",
			ops: []reactionOp{{"👍", false}},
			want: map[string][]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(direct(), Options{SingleReaction: tt.single})
			s.ApplyIncoming(confirmed("m1", "u2", 0))
			for _, op := range tt.ops {
				s.ApplyReaction("m1", op.emoji, "u1", op.add)
			}
			m, _ := s.Get("m1")
			got := map[string][]string{}
			for _, g := range m.Reactions.Groups() {
				got[g.Emoji] = g.Users
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("reactions (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyRead(t *testing.T) {
	s := New(direct(), Options{})
	s.ApplyIncoming(confirmed("m1", "u1", 0))
	s.ApplyIncoming(confirmed("m2", "u2", 1))
	s.ApplyIncoming(confirmed("m3", "u1", 2))
	s.ApplyIncoming(confirmed("m4", "u1", 9))

	got := s.ApplyRead("u2", nil, t0.Add(5*time.Minute))
	if diff := cmp.Diff([]string{"m:m1", "m:m3"}, got); diff != "" {
		t.Errorf("read (-want +got):\n%s", diff)
	}
	if got := s.ApplyRead("u2", []string{"m4", "m2", "missing"}, t0.Add(10*time.Minute)); !cmp.Equal([]string{"m:m4"}, got) {
		t.Errorf("read by id = %v", got)
	}
}

func TestReceiptTarget(t *testing.T) {
	msgs := []model.Message{confirmed("m1", "u1", 0), confirmed("m2", "u1", 1), confirmed("m3", "u2", 2)}

	s := New(direct(), Options{})
	s.Replace(msgs, false)
	s.InsertPending(pending("t1", "u1", "hi", t0.Add(time.Hour)))
	if key, ok := s.ReceiptTarget("u1"); !ok || key != "m:m2" {
		t.Errorf("direct target = %q %v", key, ok)
	}

	ev := New(model.Conversation{ID: "c1", Kind: model.KindEvent}, Options{})
	ev.Replace(msgs, false)
	if _, ok := ev.ReceiptTarget("u1"); ok {
		t.Error("event chats show no receipts")
	}
}

func TestGroupMessages(t *testing.T) {
	msgs := []model.Message{confirmed("m1", "u1", 0), confirmed("m2", "u1", 1), confirmed("m3", "u2", 2), confirmed("m4", "u1", 3)}
	want := []Group{
		{SenderID: "u1", Keys: []string{"m:m1", "m:m2"}},
		{SenderID: "u2", Keys: []string{"m:m3"}},
		{SenderID: "u1", Keys: []string{"m:m4"}},
	}
	if diff := cmp.Diff(want, GroupMessages(msgs)); diff != "" {
		t.Errorf("groups (-want +got):\n%s", diff)
	}
}

func TestRejectsForeignConversation(t *testing.T) {
	s := New(direct(), Options{})
	m := confirmed("m1", "u2", 0)
	m.ConversationID = "other"
	if r := s.ApplyIncoming(m); r.Outcome != Rejected || s.Len() != 0 {
		t.Errorf("result = %+v len = %d", r, s.Len())
	}
}
