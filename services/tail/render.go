package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/chatsync/internal/conversation"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/ws"
)

// renderer prints each timeline entry once, and again whenever its line changes.
type renderer struct {
	mu      sync.Mutex
	printed map[string]string
	status  ws.Status
	typing  string
}

func (r *renderer) render(v conversation.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.Status != r.status {
		fmt.Printf("-- %s\n", v.Status)
		r.status = v.Status
	}
	seen := make(map[string]struct{}, len(v.Messages))
	for _, m := range v.Messages {
		key := m.Key()
		seen[key] = struct{}{}
		out := format(m)
		if key == v.ReceiptTarget {
			out += " ✓✓"
		}
		if r.printed[key] == out {
			continue
		}
		r.printed[key] = out
		fmt.Println(out)
	}
	for key := range r.printed {
		if _, ok := seen[key]; !ok {
			delete(r.printed, key)
		}
	}
	typing := ""
	if v.RemoteTyping {
		typing = v.RemoteTypingName
		if typing == "" {
			typing = "someone"
		}
	}
	if typing != r.typing {
		if typing != "" {
			fmt.Printf("-- %s is typing\n", typing)
		}
		r.typing = typing
	}
}

func format(m model.Message) string {
	var b strings.Builder
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	fmt.Fprintf(&b, "[%s] %s: ", m.SentAt.Local().Format("15:04"), name)
	if m.ReplyTo != nil {
		fmt.Fprintf(&b, "(re %s) ", m.ReplyTo.MessageID)
	}
	b.WriteString(m.Text)
	if m.ImageURL != "" {
		fmt.Fprintf(&b, " <%s>", m.ImageURL)
	}
	for _, g := range m.Reactions.Groups() {
		fmt.Fprintf(&b, " %s%d", g.Emoji, g.Count)
	}
	if m.ReplyCount > 0 {
		fmt.Fprintf(&b, " [%d replies]", m.ReplyCount)
	}
	switch m.State {
	case model.StatePending:
		b.WriteString(" …")
	case model.StateFailed:
		fmt.Fprintf(&b, " (failed, /retry %s)", m.ID.TempID())
	default:
		fmt.Fprintf(&b, " #%s", m.ID.ServerID())
	}
	return b.String()
}
