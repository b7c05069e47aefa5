package conversation

import (
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/ws"
)

// handle applies one live event. Malformed events are logged and dropped.
func (s *Session) handle(env ws.Envelope) {
	switch env.Type {
	case ws.EventMessageNew:
		m, err := ws.DecodeMessage(env)
		if err != nil {
			logger.Errorf("conversation %s: drop %s: %v", s.conv.ID, env.Type, err)
			return
		}
		r := s.store.ApplyIncoming(m)
		switch r.Outcome {
		case timeline.Rejected:
			logger.Errorf("conversation %s: drop %s for %s", s.conv.ID, env.Type, m.ConversationID)
			return
		case timeline.Inserted:
			s.anim.markNew(r.Key)
		}
		if r.OldKey != "" {
			s.confirmed(r.OldKey, r.Key)
		}
		s.onNewReply(m, r)
		s.typing.RemoteStopped(m.SenderID)
		if r.Outcome == timeline.Inserted && m.SenderID != s.opts.SelfID {
			s.maybeMarkRead()
		}
		if r.Changed() {
			s.notify()
		}

	case ws.EventReaction:
		p, err := ws.DecodeReaction(env)
		if err != nil {
			logger.Errorf("conversation %s: drop %s: %v", s.conv.ID, env.Type, err)
			return
		}
		if s.store.ApplyReaction(p.MessageID, p.Emoji, p.UserID, p.Added) {
			s.notify()
		}

	case ws.EventTypingStart, ws.EventTypingStop:
		p, err := ws.DecodeTyping(env)
		if err != nil {
			logger.Errorf("conversation %s: drop %s: %v", s.conv.ID, env.Type, err)
			return
		}
		if env.Type == ws.EventTypingStart {
			s.typing.RemoteStarted(p.UserID, p.UserName)
		} else {
			s.typing.RemoteStopped(p.UserID)
		}

	case ws.EventReadUpdate:
		p, err := ws.DecodeRead(env)
		if err != nil {
			logger.Errorf("conversation %s: drop %s: %v", s.conv.ID, env.Type, err)
			return
		}
		if len(s.store.ApplyRead(p.ReaderID, p.MessageIDs, p.ReadAt)) > 0 {
			s.notify()
		}

	default:
		logger.Debugf("conversation %s: ignore %s", s.conv.ID, env.Type)
	}
}
