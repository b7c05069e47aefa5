// Package typing implements debounced local typing signals and the
// self-expiring remote typing indicator of one conversation.
package typing

import (
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
)

// Timer is a cancellable timer handle.
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. Callbacks must run on the controller's owner.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type Config struct {
	Debounce time.Duration
	Idle     time.Duration
	Expiry   time.Duration
}

// Remote is the single displayed "is typing" entry.
type Remote struct {
	UserID   string
	UserName string
	At       time.Time
}

// Controller is not safe for concurrent use.
type Controller struct {
	cfg      Config
	sched    Scheduler
	selfID   string
	signal   func(typing bool) error
	onChange func()

	local     bool
	lastStart time.Time
	idle      Timer

	remote *Remote
	expiry Timer
}

// New returns a Controller that emits local signals through signal and
// reports remote indicator changes through onChange. A nil sched means Clock.
func New(cfg Config, sched Scheduler, selfID string, signal func(bool) error, onChange func()) *Controller {
	if sched == nil {
		sched = Clock{}
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Controller{cfg: cfg, sched: sched, selfID: selfID, signal: signal, onChange: onChange}
}

// Start emits a start signal unless one went out within the debounce window,
// and re-arms the idle auto-stop.
func (c *Controller) Start() {
	now := c.sched.Now()
	if !c.local || now.Sub(c.lastStart) >= c.cfg.Debounce {
		c.emit(true)
		c.local = true
		c.lastStart = now
	}
	stop(c.idle)
	c.idle = nil
	if c.cfg.Idle > 0 {
		c.idle = c.sched.AfterFunc(c.cfg.Idle, c.Stop)
	}
}

// Stop emits a stop signal immediately if a start was sent.
func (c *Controller) Stop() {
	stop(c.idle)
	c.idle = nil
	if !c.local {
		return
	}
	c.local = false
	c.lastStart = time.Time{}
	c.emit(false)
}

// TextChanged maps composer edits onto Start and Stop.
func (c *Controller) TextChanged(text string) {
	if strings.TrimSpace(text) == "" {
		c.Stop()
		return
	}
	c.Start()
}

func (c *Controller) IsTyping() bool { return c.local }

func (c *Controller) emit(typing bool) {
	if c.signal == nil {
		return
	}
	if err := c.signal(typing); err != nil {
		logger.Debugf("typing signal %v dropped: %v", typing, err)
	}
}

// RemoteStarted shows userID as typing. The newest signal wins the slot.
func (c *Controller) RemoteStarted(userID, userName string) {
	if userID == "" || userID == c.selfID {
		return
	}
	c.remote = &Remote{UserID: userID, UserName: userName, At: c.sched.Now()}
	stop(c.expiry)
	c.expiry = c.sched.AfterFunc(c.cfg.Expiry, c.expire)
	c.onChange()
}

// RemoteStopped clears the indicator if userID holds it.
func (c *Controller) RemoteStopped(userID string) {
	if c.remote == nil || c.remote.UserID != userID {
		return
	}
	c.clearRemote()
}

func (c *Controller) expire() {
	if c.remote == nil {
		return
	}
	logger.Debugf("typing indicator for %s expired", c.remote.UserID)
	c.clearRemote()
}

func (c *Controller) clearRemote() {
	stop(c.expiry)
	c.expiry = nil
	c.remote = nil
	c.onChange()
}

// Remote returns the displayed indicator, if any.
func (c *Controller) Remote() (Remote, bool) {
	if c.remote == nil {
		return Remote{}, false
	}
	return *c.remote, true
}

// Close stops every timer. A local start still outstanding is followed by a stop.
func (c *Controller) Close() {
	c.Stop()
	stop(c.expiry)
	c.expiry = nil
	c.remote = nil
}

func stop(t Timer) {
	if t != nil {
		t.Stop()
	}
}

// Clock is a Scheduler on wall time. Callbacks run on the timer goroutine.
type Clock struct{}

func (Clock) Now() time.Time { return time.Now() }

func (Clock) AfterFunc(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
