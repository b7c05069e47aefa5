package timeline

import "github.com/chatsync/internal/model"

// Group is a run of consecutive messages from one sender.
type Group struct {
	SenderID   string
	SenderName string
	Keys       []string
}

// GroupMessages derives display groups. It holds no state and is recomputed per render.
func GroupMessages(msgs []model.Message) []Group {
	var out []Group
	for _, m := range msgs {
		if n := len(out); n > 0 && out[n-1].SenderID == m.SenderID {
			out[n-1].Keys = append(out[n-1].Keys, m.Key())
			continue
		}
		out = append(out, Group{SenderID: m.SenderID, SenderName: m.SenderName, Keys: []string{m.Key()}})
	}
	return out
}

func (s *Store) Groups() []Group { return GroupMessages(s.entries) }
