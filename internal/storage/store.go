// Package storage persists Failed messages so they survive a closed screen.
// Implementations: redis.Client, memory.Client (when no Redis is configured).
package storage

import (
	"context"
	"sort"
	"time"

	"github.com/chatsync/internal/model"
)

// Outbox holds locally-originated messages that were not accepted.
type Outbox interface {
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, conversationID, tempID string) error
	List(ctx context.Context, conversationID string) ([]Entry, error)
	Close() error
}

// Entry is the persisted form of a Failed message.
type Entry struct {
	TempID         string             `json:"temp_id"`
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id"`
	SenderName     string             `json:"sender_name,omitempty"`
	Text           string             `json:"text,omitempty"`
	ImageURL       string             `json:"image_url,omitempty"`
	ReplyTo        *model.ReplyRefDTO `json:"reply_to,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	AttemptedAt    time.Time          `json:"attempted_at"`
}

func EntryFromMessage(m model.Message) Entry {
	e := Entry{
		TempID:         m.ID.TempID(),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Text:           m.Text,
		ImageURL:       m.ImageURL,
		CreatedAt:      m.SentAt,
		AttemptedAt:    m.AttemptedAt,
	}
	if m.ReplyTo != nil {
		e.ReplyTo = &model.ReplyRefDTO{MessageID: m.ReplyTo.MessageID, SenderName: m.ReplyTo.SenderName, Text: m.ReplyTo.Text}
	}
	return e
}

// Message restores the entry as a Failed timeline entry.
func (e Entry) Message() model.Message {
	m := model.Message{
		ID:             model.Local(e.TempID),
		State:          model.StateFailed,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderName:     e.SenderName,
		Text:           e.Text,
		ImageURL:       e.ImageURL,
		SentAt:         e.CreatedAt,
		AttemptedAt:    e.AttemptedAt,
		ClientTempID:   e.TempID,
	}
	if e.ReplyTo != nil {
		m.ReplyTo = &model.ReplyRef{MessageID: e.ReplyTo.MessageID, SenderName: e.ReplyTo.SenderName, Text: e.ReplyTo.Text}
	}
	return m
}

// SortEntries orders entries by creation time, then temp id.
func SortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].CreatedAt.Equal(es[j].CreatedAt) {
			return es[i].CreatedAt.Before(es[j].CreatedAt)
		}
		return es[i].TempID < es[j].TempID
	})
}
