package ws

import (
	"encoding/json"
	"time"

	"github.com/chatsync/internal/model"
)

type EventType string

// Server to client.
const (
	EventMessageNew  EventType = "message:new"
	EventReaction    EventType = "message:reaction"
	EventTypingStart EventType = "typing:start"
	EventTypingStop  EventType = "typing:stop"
	EventReadUpdate  EventType = "read:update"
	EventError       EventType = "error"
)

// Client to server. Typing commands reuse EventTypingStart and EventTypingStop.
const (
	CmdSubscribe      EventType = "subscribe"
	CmdUnsubscribe    EventType = "unsubscribe"
	CmdReactionAdd    EventType = "reaction:add"
	CmdReactionRemove EventType = "reaction:remove"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outgoing is a frame queued for the write pump.
type Outgoing struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ReactionPayload is message:reaction from the server and the body of reaction commands.
type ReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id,omitempty"`
	Emoji          string `json:"emoji"`
	Added          bool   `json:"added"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	UserName       string `json:"user_name,omitempty"`
}

// ReadPayload reports that ReaderID has read MessageIDs, or everything up
// to ReadAt not sent by the reader when MessageIDs is empty.
type ReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	MessageIDs     []string  `json:"message_ids,omitempty"`
	ReadAt         time.Time `json:"read_at"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// ConversationOf extracts the routing key carried by every conversation-scoped payload.
func ConversationOf(raw json.RawMessage) string {
	var probe struct {
		ConversationID string `json:"conversation_id"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	return probe.ConversationID
}

func DecodeMessage(env Envelope) (model.Message, error) {
	var dto model.MessageDTO
	if err := json.Unmarshal(env.Payload, &dto); err != nil {
		return model.Message{}, &model.PayloadError{Event: string(env.Type), Err: err}
	}
	m, err := dto.ToMessage()
	if err != nil {
		if pe, ok := err.(*model.PayloadError); ok {
			pe.Event = string(env.Type)
		}
		return model.Message{}, err
	}
	return m, nil
}

func DecodeReaction(env Envelope) (ReactionPayload, error) {
	var p ReactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, &model.PayloadError{Event: string(env.Type), Err: err}
	}
	switch {
	case p.MessageID == "":
		return p, &model.PayloadError{Event: string(env.Type), Field: "message_id"}
	case p.UserID == "":
		return p, &model.PayloadError{Event: string(env.Type), Field: "user_id"}
	case p.Emoji == "":
		return p, &model.PayloadError{Event: string(env.Type), Field: "emoji"}
	}
	return p, nil
}

func DecodeTyping(env Envelope) (TypingPayload, error) {
	var p TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, &model.PayloadError{Event: string(env.Type), Err: err}
	}
	if p.UserID == "" {
		return p, &model.PayloadError{Event: string(env.Type), Field: "user_id"}
	}
	return p, nil
}

func DecodeRead(env Envelope) (ReadPayload, error) {
	var p ReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, &model.PayloadError{Event: string(env.Type), Err: err}
	}
	if p.ReaderID == "" {
		return p, &model.PayloadError{Event: string(env.Type), Field: "reader_id"}
	}
	if p.ReadAt.IsZero() {
		return p, &model.PayloadError{Event: string(env.Type), Field: "read_at"}
	}
	return p, nil
}
