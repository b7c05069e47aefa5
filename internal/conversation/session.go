// Package conversation composes the per-conversation components: timeline,
// optimistic sends, typing, reply threads and read receipts.
//
// Each Session runs one event loop goroutine that owns all of its state.
// Public methods hand work to the loop; network legs run on their own
// goroutines and post their results back, so no state is touched off-loop.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatsync/internal/api"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/timeline"
	"github.com/chatsync/internal/typing"
	"github.com/chatsync/internal/ws"
	"golang.org/x/sync/singleflight"
)

// API is the REST boundary.
type API interface {
	FetchMessages(ctx context.Context, conv model.Conversation, before *time.Time, limit int) (api.Page, error)
	SendMessage(ctx context.Context, conv model.Conversation, req api.SendRequest) (model.Message, error)
	FetchReplies(ctx context.Context, messageID string) (api.Thread, error)
	MarkRead(ctx context.Context, conv model.Conversation) error
}

// Channel is the shared live channel.
type Channel interface {
	Subscribe(screen, conversationID string, h ws.Handler) (release func())
	SendTyping(conversationID string, typing bool) error
	SendReaction(conversationID, messageID, emoji string, added bool) error
	Status() ws.Status
	AddStatusListener(fn ws.StatusListener) (remove func())
}

type Deps struct {
	API     API
	Channel Channel
	// Outbox persists Failed messages. Nil keeps them in memory.
	Outbox storage.Outbox
}

type Options struct {
	Screen   string
	SelfID   string
	SelfName string

	PageSize          int
	CorrelationWindow time.Duration
	SingleReaction    bool
	Typing            typing.Config

	SendTimeout time.Duration
	// OnAuthExpired receives ErrAuthExpired from any REST call, on any goroutine.
	OnAuthExpired func(error)
}

// ErrEmptyMessage is returned by Send when there is neither text nor image.
var ErrEmptyMessage = errors.New("conversation: empty message")

type Session struct {
	conv model.Conversation
	opts Options
	api  API
	ch   Channel

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once
	updates   chan struct{}
	flight    singleflight.Group

	release      func()
	removeStatus func()
	outbox       *outboxWriter

	// Loop-owned.
	store         *timeline.Store
	typing        *typing.Controller
	anim          *animations
	threads       *threads
	receipts      receipts
	status        ws.Status
	everConnected bool
	visible       bool
	loadingOlder  bool
	loaded        bool
	persisted     map[string]bool // temp ids written to the outbox
	sendQueue     []model.Message
	sending       bool
}

// Open starts a Session for conv and subscribes it for live delivery on opts.Screen.
func Open(conv model.Conversation, deps Deps, opts Options) (*Session, error) {
	if !conv.Kind.Valid() || conv.ID == "" {
		return nil, fmt.Errorf("conversation.Open %q kind %q: %w", conv.ID, conv.Kind, model.ErrUnsupported)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	if opts.Screen == "" {
		opts.Screen = conv.ID
	}
	box := deps.Outbox
	if box == nil {
		box = memory.New()
	}
	s := &Session{
		conv:      conv,
		opts:      opts,
		api:       deps.API,
		ch:        deps.Channel,
		ops:       make(chan func(), 256),
		done:      make(chan struct{}),
		updates:   make(chan struct{}, 1),
		store:     timeline.New(conv, timeline.Options{CorrelationWindow: opts.CorrelationWindow, SingleReaction: opts.SingleReaction}),
		anim:      newAnimations(),
		threads:   newThreads(),
		persisted: make(map[string]bool),
	}
	s.outbox = newOutboxWriter(box, s.done)
	s.typing = typing.New(opts.Typing, loopScheduler{s}, opts.SelfID,
		func(on bool) error { return s.ch.SendTyping(conv.ID, on) },
		s.notify)
	s.status = s.ch.Status()
	s.everConnected = s.status == ws.StatusConnected

	go s.run()
	s.removeStatus = s.ch.AddStatusListener(func(_, next ws.Status) {
		s.post(func() { s.onStatus(next) })
	})
	s.release = s.ch.Subscribe(opts.Screen, conv.ID, func(env ws.Envelope) {
		s.post(func() { s.handle(env) })
	})
	logger.Debugf("conversation %s open on screen %s", conv.ID, opts.Screen)
	return s, nil
}

func (s *Session) Conversation() model.Conversation { return s.conv }

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case fn := <-s.ops:
			select {
			case <-s.done:
				s.shutdown()
				return
			default:
			}
			fn()
		}
	}
}

func (s *Session) shutdown() {
	s.typing.Close()
	s.threads.clear()
	logger.Debugf("conversation %s closed", s.conv.ID)
}

// post queues fn for the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ops <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the loop and waits for it. Never call it from the loop.
func (s *Session) do(fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() { fn(); close(finished) }) {
		return model.ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return model.ErrClosed
	}
}

// Updates signals that the View changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Close unsubscribes and releases all state. Results of in-flight calls are ignored.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.release()
		s.removeStatus()
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) onStatus(next ws.Status) {
	s.status = next
	if next == ws.StatusConnected {
		if s.everConnected {
			s.resync()
		}
		s.everConnected = true
	}
	s.notify()
}

// escalate routes auth expiry to OnAuthExpired.
func (s *Session) escalate(err error) {
	if errors.Is(err, model.ErrAuthExpired) && s.opts.OnAuthExpired != nil {
		s.opts.OnAuthExpired(err)
	}
}

// View is the observable state of a Session.
type View struct {
	Conversation model.Conversation
	Messages     []model.Message
	Groups       []timeline.Group
	HasMore      bool
	LoadingOlder bool

	RemoteTyping     bool
	RemoteTypingName string

	Status ws.Status
	// ReceiptTarget is the key of the one message showing a read receipt.
	ReceiptTarget string
	// Threads holds the open reply threads by anchor id.
	Threads map[string]api.Thread
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() View {
	var v View
	if err := s.do(func() { v = s.view() }); err != nil {
		return View{Conversation: s.conv, Status: ws.StatusDisconnected}
	}
	return v
}

func (s *Session) view() View {
	v := View{
		Conversation: s.conv,
		Messages:     s.store.Messages(),
		Groups:       s.store.Groups(),
		HasMore:      s.store.HasMore(),
		LoadingOlder: s.loadingOlder,
		Status:       s.status,
		Threads:      s.threads.openThreads(),
	}
	if r, ok := s.typing.Remote(); ok {
		v.RemoteTyping = true
		v.RemoteTypingName = r.UserName
	}
	if key, ok := s.store.ReceiptTarget(s.opts.SelfID); ok {
		v.ReceiptTarget = key
	}
	return v
}

// ConsumeAnimation reports once per message whether its entry animation should play.
func (s *Session) ConsumeAnimation(key string) bool {
	var play bool
	if err := s.do(func() { play = s.anim.consume(model.KeyOf(key)) }); err != nil {
		return false
	}
	return play
}

// loopScheduler binds typing timers to the loop.
type loopScheduler struct{ s *Session }

func (l loopScheduler) Now() time.Time { return time.Now() }

func (l loopScheduler) AfterFunc(d time.Duration, fn func()) typing.Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.s.post(func() {
			if !t.stopped {
				t.stopped = true
				fn()
			}
		})
	})
	return t
}

// loopTimer is stopped and fired only on the loop.
type loopTimer struct {
	timer   *time.Timer
	stopped bool
}

func (t *loopTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	t.timer.Stop()
	return was
}

// StartTyping signals that the user is composing.
func (s *Session) StartTyping() { s.post(s.typing.Start) }

func (s *Session) StopTyping() { s.post(s.typing.Stop) }

// TextChanged feeds composer text; empty text stops typing.
func (s *Session) TextChanged(text string) {
	s.post(func() { s.typing.TextChanged(text) })
}
