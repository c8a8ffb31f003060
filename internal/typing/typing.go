// Package typing debounces the local user's typing indicator and tracks
// the indicators of everyone else in the open conversation.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"go.uber.org/zap"
)

// DefaultTimeout is how long a typing signal stays live without a refresh.
const DefaultTimeout = 3 * time.Second

const (
	queueSize    = 64
	writeTimeout = 5 * time.Second
)

// Broadcaster writes the local user's typing signal.
type Broadcaster interface {
	UpsertTypingSignal(ctx context.Context, s model.TypingSignal) error
}

// Controller coalesces keystrokes into at most one "typing" write and one
// scheduled "stopped" write. Writes go out in order on a single worker;
// failures are logged and dropped.
type Controller struct {
	remote  Broadcaster
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	conv    string
	user    string
	typing  bool
	timer   *time.Timer
	seq     uint64
	signals map[string]model.TypingSignal
	expiry  map[string]*time.Timer
	closed  bool

	queue chan model.TypingSignal
	done  chan struct{}
}

// New creates a controller and starts its writer. timeout <= 0 selects
// DefaultTimeout.
func New(r Broadcaster, timeout time.Duration, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		remote:  r,
		bus:     b,
		metrics: m,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
		signals: make(map[string]model.TypingSignal),
		expiry:  make(map[string]*time.Timer),
		queue:   make(chan model.TypingSignal, queueSize),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Timeout returns the auto-stop delay.
func (c *Controller) Timeout() time.Duration {
	return c.timeout
}

// StartTyping is called on every keystroke. The first call broadcasts
// is-typing=true; each call pushes the automatic stop back to timeout after
// it. Without an open conversation it does nothing.
func (c *Controller) StartTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conv == "" {
		return
	}

	c.seq++
	seq := c.seq
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.timeout, func() { c.expire(seq) })

	if !c.typing {
		c.typing = true
		c.enqueue(c.conv, c.user, true)
	}
}

// StopTyping cancels the pending automatic stop and broadcasts
// is-typing=false right away if the user was typing.
func (c *Controller) StopTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelTimer()
	if c.typing && !c.closed {
		c.typing = false
		c.enqueue(c.conv, c.user, false)
	}
}

func (c *Controller) expire(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq || !c.typing || c.closed {
		return
	}
	c.timer = nil
	c.typing = false
	c.enqueue(c.conv, c.user, false)
}

// cancelTimer drops the scheduled stop. Callers hold mu.
func (c *Controller) cancelTimer() {
	c.seq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// ConversationChanged switches the controller to another conversation. A
// pending stop is cancelled and, if the user was typing, the stop is sent
// to the conversation being left so it never leaks into the new one.
func (c *Controller) ConversationChanged(conversationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelTimer()
	if c.typing && !c.closed {
		c.enqueue(c.conv, c.user, false)
	}
	c.typing = false

	if userID == "" {
		conversationID = ""
	}
	if conversationID != c.conv && len(c.signals) > 0 {
		c.stopExpiries()
		c.signals = make(map[string]model.TypingSignal)
		c.publish(conversationID)
	}
	c.conv, c.user = conversationID, userID
}

// Apply merges a typing signal from the change feed. Signals of the local
// user, of other conversations and older than the known one are ignored.
func (c *Controller) Apply(s model.TypingSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == "" || s.ConversationID != c.conv || s.UserID == c.user {
		return
	}
	if have, ok := c.signals[s.UserID]; ok && s.UpdatedAt.Before(have.UpdatedAt) {
		return
	}
	c.signals[s.UserID] = s
	if t, ok := c.expiry[s.UserID]; ok {
		t.Stop()
		delete(c.expiry, s.UserID)
	}
	if s.Live(c.now(), c.timeout) {
		left := c.timeout - c.now().Sub(s.UpdatedAt)
		conv, user, at := c.conv, s.UserID, s.UpdatedAt
		c.expiry[user] = time.AfterFunc(left, func() { c.lapse(conv, user, at) })
	}
	c.publish(c.conv)
}

// lapse drops a remote signal that went silent and tells watchers. A newer
// signal or a conversation switch since it was armed wins.
func (c *Controller) lapse(conv, user string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.signals[user]
	if c.closed || c.conv != conv || !ok || !s.UpdatedAt.Equal(at) {
		return
	}
	delete(c.signals, user)
	delete(c.expiry, user)
	c.publish(conv)
}

// stopExpiries cancels every pending lapse. Callers hold mu.
func (c *Controller) stopExpiries() {
	for id, t := range c.expiry {
		t.Stop()
		delete(c.expiry, id)
	}
}

// TypingUsers returns the users with a live typing signal in the open
// conversation, sorted by id.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []string
	for id, s := range c.signals {
		if s.Live(now, c.timeout) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Typing reports whether the local user is currently marked as typing.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Close stops the timer and waits for queued writes to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	c.cancelTimer()
	c.stopExpiries()
	close(c.queue)
	c.mu.Unlock()
	<-c.done
}

// enqueue schedules a write. Callers hold mu.
func (c *Controller) enqueue(conv, user string, typing bool) {
	if conv == "" {
		return
	}
	s := model.TypingSignal{ConversationID: conv, UserID: user, IsTyping: typing, UpdatedAt: c.now()}
	select {
	case c.queue <- s:
	default:
		c.logger.Warn("typing queue full, dropping signal",
			zap.String("conversation_id", conv), zap.Bool("typing", typing))
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for s := range c.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.remote.UpsertTypingSignal(ctx, s)
		cancel()
		c.metrics.TypingBroadcast(s.IsTyping, err)
		if err != nil {
			c.logger.Warn("failed to broadcast typing signal", zap.Error(err),
				zap.String("conversation_id", s.ConversationID), zap.Bool("typing", s.IsTyping))
		}
	}
}

func (c *Controller) publish(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:      bus.TypingChanged,
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}
