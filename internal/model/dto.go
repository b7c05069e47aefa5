package model

import (
	"sort"
	"time"
)

// MessageDTO is the wire shape shared by REST responses and live events.
type MessageDTO struct {
	ID             string              `json:"id"`
	ClientTempID   string              `json:"client_temp_id,omitempty"`
	ConversationID string              `json:"conversation_id"`
	SenderID       string              `json:"sender_id"`
	SenderName     string              `json:"sender_name,omitempty"`
	Text           *string             `json:"text,omitempty"`
	ImageURL       *string             `json:"image_url,omitempty"`
	SentAt         time.Time           `json:"sent_at"`
	ReadAt         *time.Time          `json:"read_at,omitempty"`
	ReplyTo        *ReplyRefDTO        `json:"reply_to,omitempty"`
	ReplyCount     int                 `json:"reply_count"`
	Reactions      map[string][]string `json:"reactions,omitempty"`
}

type ReplyRefDTO struct {
	MessageID  string `json:"message_id"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ToMessage validates d and converts it into a Confirmed Message.
func (d MessageDTO) ToMessage() (Message, error) {
	switch {
	case d.ID == "":
		return Message{}, &PayloadError{Field: "id"}
	case d.ConversationID == "":
		return Message{}, &PayloadError{Field: "conversation_id"}
	case d.SenderID == "":
		return Message{}, &PayloadError{Field: "sender_id"}
	case d.SentAt.IsZero():
		return Message{}, &PayloadError{Field: "sent_at"}
	case deref(d.Text) == "" && deref(d.ImageURL) == "":
		return Message{}, &PayloadError{Field: "text"}
	case d.ReplyCount < 0:
		return Message{}, &PayloadError{Field: "reply_count"}
	}
	m := Message{
		ID:             Confirmed(d.ID),
		State:          StateConfirmed,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Text:           deref(d.Text),
		ImageURL:       deref(d.ImageURL),
		SentAt:         d.SentAt,
		ReplyCount:     d.ReplyCount,
		ClientTempID:   d.ClientTempID,
	}
	if d.ReadAt != nil {
		t := *d.ReadAt
		m.ReadAt = &t
	}
	if d.ReplyTo != nil {
		if d.ReplyTo.MessageID == "" {
			return Message{}, &PayloadError{Field: "reply_to.message_id"}
		}
		m.ReplyTo = &ReplyRef{MessageID: d.ReplyTo.MessageID, SenderName: d.ReplyTo.SenderName, Text: d.ReplyTo.Text}
	}
	for emoji, users := range d.Reactions {
		for _, u := range users {
			m.Reactions.Add(emoji, u)
		}
	}
	return m, nil
}

// FromMessage is the inverse of ToMessage for confirmed messages.
func FromMessage(m Message) MessageDTO {
	d := MessageDTO{
		ID:             m.ID.ServerID(),
		ClientTempID:   m.ClientTempID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SentAt:         m.SentAt,
		ReadAt:         m.ReadAt,
		ReplyCount:     m.ReplyCount,
	}
	if m.Text != "" {
		t := m.Text
		d.Text = &t
	}
	if m.ImageURL != "" {
		u := m.ImageURL
		d.ImageURL = &u
	}
	if m.ReplyTo != nil {
		d.ReplyTo = &ReplyRefDTO{MessageID: m.ReplyTo.MessageID, SenderName: m.ReplyTo.SenderName, Text: m.ReplyTo.Text}
	}
	if len(m.Reactions) > 0 {
		d.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji := range m.Reactions {
			d.Reactions[emoji] = m.Reactions.Users(emoji)
		}
	}
	return d
}

// ToMessages converts a page, returning the valid messages sorted ascending
// by SentAt together with one error per dropped entry.
func ToMessages(dtos []MessageDTO) ([]Message, []error) {
	out := make([]Message, 0, len(dtos))
	var errs []error
	for _, d := range dtos {
		m, err := d.ToMessage()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, errs
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
