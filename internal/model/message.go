package model

import (
	"strings"
	"time"
)

// Identity is either a server id (Confirmed) or a client temp id (local, not
// yet accepted). The zero value is invalid.
type Identity struct {
	serverID string
	tempID   string
}

// Local returns the identity of a locally-originated message awaiting acceptance.
func Local(tempID string) Identity { return Identity{tempID: tempID} }

// Confirmed returns the identity assigned by the server.
func Confirmed(serverID string) Identity { return Identity{serverID: serverID} }

func (i Identity) IsConfirmed() bool { return i.serverID != "" }

func (i Identity) ServerID() string { return i.serverID }

func (i Identity) TempID() string { return i.tempID }

func (i Identity) IsZero() bool { return i.serverID == "" && i.tempID == "" }

// Key is a timeline-unique string for the identity. Server and temp ids live
// in separate namespaces so they can never collide.
func (i Identity) Key() string {
	if i.serverID != "" {
		return "m:" + i.serverID
	}
	return "tmp:" + i.tempID
}

func (i Identity) String() string { return i.Key() }

// KeyOf returns the timeline key for either a bare server id or an existing key.
func KeyOf(id string) string {
	if strings.HasPrefix(id, "m:") || strings.HasPrefix(id, "tmp:") {
		return id
	}
	return "m:" + id
}

type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// ReplyRef is a non-owning back-reference used for quoted-reply display.
type ReplyRef struct {
	MessageID  string
	SenderName string
	Text       string
}

type Message struct {
	ID             Identity
	State          DeliveryState
	ConversationID string
	SenderID       string
	SenderName     string
	// Text is empty for image-only messages.
	Text       string
	ImageURL   string
	SentAt     time.Time
	ReadAt     *time.Time
	ReplyTo    *ReplyRef
	ReplyCount int
	Reactions  Reactions

	// ClientTempID is set on messages originated by this device and survives promotion.
	ClientTempID string
	// AttemptedAt is the time of the latest network send attempt (local only).
	AttemptedAt time.Time
}

func (m Message) Key() string { return m.ID.Key() }

func (m Message) IsPending() bool { return m.State == StatePending }

func (m Message) IsFailed() bool { return m.State == StateFailed }

// Valid reports whether the identity/state pair holds: a message is
// Confirmed exactly when it has a server id.
func (m Message) Valid() bool {
	if m.ID.IsZero() {
		return false
	}
	return m.ID.IsConfirmed() == (m.State == StateConfirmed)
}

// Clone returns a deep copy safe to hand to the UI layer.
func (m Message) Clone() Message {
	out := m
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	out.Reactions = m.Reactions.Clone()
	return out
}

// SameContent reports whether two messages carry the same text and image.
func (m Message) SameContent(o Message) bool {
	return m.Text == o.Text && m.ImageURL == o.ImageURL
}
