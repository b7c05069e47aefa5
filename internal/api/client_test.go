package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chatsync/internal/auth"
	"github.com/chatsync/internal/model"
	"github.com/google/go-cmp/cmp"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, auth.Static("tok"), nil)
}

func str(s string) *string { return &s }

func TestConversationPath(t *testing.T) {
	tests := []struct {
		conv model.Conversation
		want string
	}{
		{model.Conversation{ID: "c1", Kind: model.KindDirect}, "/api/chats/c1"},
		{model.Conversation{ID: "ev 7", Kind: model.KindEvent}, "/api/events/ev%207/chat"},
	}
	for _, tt := range tests {
		if got := ConversationPath(tt.conv); got != tt.want {
			t.Errorf("ConversationPath(%v) = %q, want %q", tt.conv, got, tt.want)
		}
	}
}

func TestClient_FetchMessages(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	before := t0.Add(time.Hour)
	var gotQuery, gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/chats/c1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		// Newest first, with one invalid entry.
		_ = json.NewEncoder(w).Encode(PageResponse{
			Messages: []model.MessageDTO{
				{ID: "m2", ConversationID: "c1", SenderID: "u2", Text: str("two"), SentAt: t0.Add(time.Minute)},
				{ID: "", ConversationID: "c1", SenderID: "u2", Text: str("bad"), SentAt: t0},
				{ID: "m1", ConversationID: "c1", SenderID: "u1", Text: str("one"), SentAt: t0},
			},
			HasMore: true,
		})
	})

	page, err := c.FetchMessages(context.Background(), model.Conversation{ID: "c1", Kind: model.KindDirect}, &before, 20)
	if err != nil {
		t.Fatalf("FetchMessages: %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if want := "before=2024-01-01T11%3A00%3A00Z&limit=20"; gotQuery != want {
		t.Errorf("query = %q, want %q", gotQuery, want)
	}
	var ids []string
	for _, m := range page.Messages {
		ids = append(ids, m.ID.ServerID())
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	if !page.HasMore {
		t.Error("HasMore = false")
	}
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"Unauthorized", http.StatusUnauthorized, `{"error":"expired"}`, model.ErrAuthExpired},
		{"NotFound", http.StatusNotFound, `{"error":"nope"}`, model.ErrNotFound},
		{"ServerError", http.StatusBadGateway, ``, model.ErrTransientNetwork},
		{"RateLimited", http.StatusTooManyRequests, ``, model.ErrTransientNetwork},
		{"BadJSON", http.StatusOK, `{"messages": [`, model.ErrMalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.FetchMessages(context.Background(), model.Conversation{ID: "c1", Kind: model.KindDirect}, nil, 10)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestClient_NetworkDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, auth.Static("tok"), nil)
	err := c.MarkRead(context.Background(), model.Conversation{ID: "c1", Kind: model.KindDirect})
	if !errors.Is(err, model.ErrTransientNetwork) {
		t.Fatalf("err = %v, want ErrTransientNetwork", err)
	}
}

func TestClient_NoCredential(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", auth.Static(""), nil)
	_, err := c.FetchReplies(context.Background(), "m1")
	if !errors.Is(err, model.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
}

func TestClient_SendMessage(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var got SendRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/events/e1/chat/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		// Server does not echo the temp id.
		_ = json.NewEncoder(w).Encode(model.MessageDTO{
			ID: "m9", ConversationID: "e1", SenderID: "me", Text: str(got.Text), SentAt: t0,
			ReplyTo: &model.ReplyRefDTO{MessageID: got.ReplyToID, SenderName: "Ann", Text: "hello"},
		})
	})
	req := SendRequest{ClientTempID: "tmp-1", Text: "hi", ReplyToID: "m3"}
	m, err := c.SendMessage(context.Background(), model.Conversation{ID: "e1", Kind: model.KindEvent}, req)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("request (-want +got):\n%s", diff)
	}
	if m.ID.ServerID() != "m9" || m.ClientTempID != "tmp-1" || m.State != model.StateConfirmed {
		t.Errorf("confirmed = %+v", m)
	}
	if m.ReplyTo == nil || m.ReplyTo.MessageID != "m3" {
		t.Errorf("ReplyTo = %+v", m.ReplyTo)
	}
}

func TestClient_FetchReplies(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/m1/replies" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(ThreadResponse{
			OriginalMessage: model.MessageDTO{ID: "m1", ConversationID: "e1", SenderID: "u1", Text: str("q"), SentAt: t0, ReplyCount: 2},
			Replies: []model.MessageDTO{
				{ID: "r2", ConversationID: "e1", SenderID: "u3", Text: str("b"), SentAt: t0.Add(2 * time.Minute)},
				{ID: "r1", ConversationID: "e1", SenderID: "u2", Text: str("a"), SentAt: t0.Add(time.Minute)},
			},
		})
	})
	th, err := c.FetchReplies(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchReplies: %v", err)
	}
	if th.Original.ReplyCount != 2 {
		t.Errorf("ReplyCount = %d", th.Original.ReplyCount)
	}
	if len(th.Replies) != 2 || th.Replies[0].ID.ServerID() != "r1" {
		t.Errorf("replies not sorted ascending: %+v", th.Replies)
	}
}
