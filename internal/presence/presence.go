// Package presence announces the local user's status on a heartbeat and
// keeps the process-wide map of everyone's status.
package presence

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
	"go.uber.org/zap"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = 30 * time.Second

const writeTimeout = 5 * time.Second

// ErrNotStarted is returned when announcing before Start named the user.
var ErrNotStarted = errors.New("presence is not started")

// Announcer reads and writes presence rows.
type Announcer interface {
	UpsertPresence(ctx context.Context, p model.Presence) error
	ListPresence(ctx context.Context) ([]model.Presence, error)
}

// Controller owns the heartbeat loop and the presence map.
type Controller struct {
	remote   Announcer
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	user     string
	status   model.Status
	presence map[string]model.Presence
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped controller. interval <= 0 selects DefaultInterval.
func New(r Announcer, interval time.Duration, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		remote:   r,
		bus:      b,
		metrics:  m,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		status:   model.StatusOffline,
		presence: make(map[string]model.Presence),
	}
}

// Start activates the controller for userID: the map is seeded from the
// store, online is announced at once and re-announced every interval.
// Starting again for another user restarts the loop.
func (c *Controller) Start(ctx context.Context, userID string) {
	c.mu.Lock()
	if c.cancel != nil && c.user == userID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.halt()

	if list, err := c.remote.ListPresence(ctx); err != nil {
		c.logger.Warn("failed to load presence", zap.Error(err))
	} else {
		for _, p := range list {
			c.Apply(p)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.user = userID
	c.status = model.StatusOnline
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.heartbeat(ctx)
	go c.loop(loopCtx, done)
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// heartbeat re-announces the current status. Failures wait for the next tick.
func (c *Controller) heartbeat(ctx context.Context) {
	c.mu.Lock()
	st := c.status
	c.mu.Unlock()
	if err := c.announce(ctx, st); err != nil {
		c.logger.Warn("presence heartbeat failed", zap.Error(err), zap.String("status", string(st)))
	}
}

func (c *Controller) announce(ctx context.Context, st model.Status) error {
	c.mu.Lock()
	p := model.Presence{UserID: c.user, Status: st, UpdatedAt: c.now()}
	c.mu.Unlock()
	if p.UserID == "" {
		return remote.E("announce presence", remote.ErrNotAuthenticated, ErrNotStarted)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := c.remote.UpsertPresence(ctx, p)
	c.metrics.Heartbeat(string(st), err)
	if err != nil {
		return err
	}
	c.Apply(p)
	return nil
}

// SetStatus changes the local user's status. This is a user action, so a
// failed write is returned.
func (c *Controller) SetStatus(ctx context.Context, st model.Status) error {
	if _, err := model.ParseStatus(string(st)); err != nil {
		return err
	}
	c.mu.Lock()
	if c.user == "" {
		c.mu.Unlock()
		return remote.E("set status", remote.ErrNotAuthenticated, ErrNotStarted)
	}
	c.status = st
	c.mu.Unlock()
	return c.announce(ctx, st)
}

// Apply merges a presence change. A change older than the known one for the
// same user is ignored.
func (c *Controller) Apply(p model.Presence) {
	c.mu.Lock()
	if have, ok := c.presence[p.UserID]; ok && p.UpdatedAt.Before(have.UpdatedAt) {
		c.mu.Unlock()
		return
	}
	c.presence[p.UserID] = p
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: bus.PresenceChanged, Timestamp: time.Now(), Payload: p})
}

// PresenceMap returns a copy of the presence map keyed by user id.
func (c *Controller) PresenceMap() map[string]model.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.presence)
}

// Status returns the presence of one user.
func (c *Controller) Status(userID string) (model.Presence, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.presence[userID]
	return p, ok
}

// Current returns the local user's announced status.
func (c *Controller) Current() model.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Stop ends the heartbeat and announces offline, best effort.
func (c *Controller) Stop() {
	if !c.halt() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.SetStatus(ctx, model.StatusOffline); err != nil {
		c.logger.Warn("failed to announce offline", zap.Error(err))
	}
	c.mu.Lock()
	c.user = ""
	c.mu.Unlock()
}

// halt stops the loop and reports whether it was running.
func (c *Controller) halt() bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}
