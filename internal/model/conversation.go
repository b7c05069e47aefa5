package model

type Kind string

const (
	KindDirect Kind = "direct"
	KindEvent  Kind = "event"
)

func (k Kind) Valid() bool { return k == KindDirect || k == KindEvent }

// Capabilities is what differs between the two conversation variants.
type Capabilities struct {
	Images       bool
	Threads      bool
	ReadReceipts bool
	SenderNames  bool
}

func (k Kind) Capabilities() Capabilities {
	switch k {
	case KindDirect:
		return Capabilities{Images: true, ReadReceipts: true}
	case KindEvent:
		return Capabilities{Images: true, Threads: true, SenderNames: true}
	default:
		return Capabilities{}
	}
}

type Conversation struct {
	ID   string
	Kind Kind
}

func (c Conversation) Capabilities() Capabilities { return c.Kind.Capabilities() }
