// Package janitor periodically clears typing flags and presence rows left
// behind by clients that went away without saying so.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/matheus3301/huddle/internal/metrics"
	"go.uber.org/zap"
)

// DefaultCron runs a sweep every minute.
const DefaultCron = "* * * * *"

// Sweeper clears stale rows in the remote store.
type Sweeper interface {
	SweepTyping(ctx context.Context, olderThan time.Duration) (int, error)
	SweepPresence(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Result counts the rows one sweep cleared.
type Result struct {
	Typing   int
	Presence int
}

// Janitor runs sweeps on a cron schedule.
type Janitor struct {
	sweeper       Sweeper
	cron          string
	typingTimeout time.Duration
	staleAfter    time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates the cron expression and creates a janitor. An empty
// expression selects DefaultCron.
func New(s Sweeper, cron string, typingTimeout, staleAfter time.Duration, m *metrics.Metrics, logger *zap.Logger) (*Janitor, error) {
	if cron == "" {
		cron = DefaultCron
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid janitor cron expression: %q", cron)
	}
	if typingTimeout <= 0 || staleAfter <= 0 {
		return nil, errors.New("janitor thresholds must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		sweeper:       s,
		cron:          cron,
		typingTimeout: typingTimeout,
		staleAfter:    staleAfter,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Next returns the next scheduled sweep after t.
func (j *Janitor) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.cron, t, false)
}

// RunOnce sweeps typing signals and presence once. Both sweeps run even if
// the first fails.
func (j *Janitor) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	n, err := j.sweeper.SweepTyping(ctx, j.typingTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep typing: %w", err))
	}
	res.Typing = n
	j.metrics.Swept("typing", n)

	n, err = j.sweeper.SweepPresence(ctx, j.staleAfter)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep presence: %w", err))
	}
	res.Presence = n
	j.metrics.Swept("presence", n)

	return res, errors.Join(errs...)
}

// Start runs the schedule until Stop or ctx cancellation.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)
	j.logger.Info("janitor started", zap.String("cron", j.cron))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		next, err := j.Next(j.now())
		if err != nil {
			j.logger.Error("janitor schedule failed", zap.Error(err), zap.String("cron", j.cron))
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		res, err := j.RunOnce(ctx)
		if err != nil {
			j.logger.Error("janitor sweep failed", zap.Error(err))
			continue
		}
		if res.Typing > 0 || res.Presence > 0 {
			j.logger.Info("janitor sweep",
				zap.Int("typing_cleared", res.Typing),
				zap.Int("presence_offlined", res.Presence))
		}
	}
}
