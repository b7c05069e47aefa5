package storage

import (
	"testing"
	"time"

	"github.com/chatsync/internal/model"
	"github.com/google/go-cmp/cmp"
)

func TestEntryRestoresFailedMessage(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := model.Message{
		ID:             model.Local("t1"),
		State:          model.StatePending,
		ConversationID: "c1",
		SenderID:       "u1",
		SenderName:     "Me",
		Text:           "hi",
		SentAt:         at,
		AttemptedAt:    at.Add(time.Second),
		ReplyTo:        &model.ReplyRef{MessageID: "m1", SenderName: "Ann", Text: "q"},
		ClientTempID:   "t1",
	}
	got := EntryFromMessage(m).Message()
	want := m
	want.State = model.StateFailed
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(model.Identity{})); diff != "" {
		t.Errorf("restored (-want +got):\n%s", diff)
	}
	if !got.Valid() {
		t.Error("restored message violates the identity invariant")
	}
}
