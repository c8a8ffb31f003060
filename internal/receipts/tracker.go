// Package receipts marks messages read when they stay on screen and groups
// the readers of a message into "seen together" clusters.
package receipts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/status"
	"go.uber.org/zap"
)

// Defaults for the visibility debounce and the clustering window.
const (
	DefaultDelay  = time.Second
	DefaultWindow = 60 * time.Second
)

const writeTimeout = 5 * time.Second

// Writer stores read receipts. created is false when the receipt existed.
type Writer interface {
	UpsertReadReceipt(ctx context.Context, r model.ReadReceipt) (created bool, err error)
}

// Source looks up messages of the open conversation.
type Source interface {
	Message(id string) (model.MessageView, bool)
}

// Cluster is a group of readers whose reads fall within one window of the
// first read of the group.
type Cluster struct {
	Start time.Time        `json:"start"`
	End   time.Time        `json:"end"`
	Users []model.UserStub `json:"users"`
}

// Tracker writes at most one receipt per message for each opened
// conversation, after the message stayed visible for the debounce delay.
type Tracker struct {
	remote  Writer
	source  Source
	metrics *metrics.Metrics
	logger  *zap.Logger
	delay   time.Duration
	window  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	conv    string
	user    string
	gen     uint64
	marked  map[string]struct{}
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New creates a tracker. Zero durations select the defaults.
func New(w Writer, src Source, delay, window time.Duration, m *metrics.Metrics, logger *zap.Logger) *Tracker {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		remote:  w,
		source:  src,
		metrics: m,
		logger:  logger,
		delay:   delay,
		window:  window,
		now:     time.Now,
		marked:  make(map[string]struct{}),
		pending: make(map[string]*time.Timer),
	}
}

// OnMessageVisible is called whenever a message enters the viewport. The
// receipt is written once the message stayed visible for the delay. Repeat
// calls, the user's own messages and already read messages are no-ops.
func (t *Tracker) OnMessageVisible(messageID string) {
	v, ok := t.source.Message(messageID)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conv == "" || v.ConversationID != t.conv {
		return
	}
	if _, done := t.marked[messageID]; done {
		return
	}
	if _, waiting := t.pending[messageID]; waiting {
		return
	}
	if v.AuthorID == t.user || v.State == status.Sending || v.State == status.Failed {
		return
	}
	if v.HasReceipt(t.user) {
		t.marked[messageID] = struct{}{}
		return
	}

	gen := t.gen
	t.wg.Add(1)
	t.pending[messageID] = time.AfterFunc(t.delay, func() { t.confirm(gen, messageID) })
}

// OnMessageHidden cancels a pending mark for a message scrolled away before
// the delay elapsed.
func (t *Tracker) OnMessageHidden(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel(messageID)
}

// cancel stops the pending timer of a message. Callers hold mu.
func (t *Tracker) cancel(messageID string) {
	timer, ok := t.pending[messageID]
	if !ok {
		return
	}
	delete(t.pending, messageID)
	if timer.Stop() {
		t.wg.Done()
	}
}

func (t *Tracker) confirm(gen uint64, messageID string) {
	defer t.wg.Done()

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	delete(t.pending, messageID)
	if _, done := t.marked[messageID]; done {
		t.mu.Unlock()
		return
	}
	t.marked[messageID] = struct{}{}
	r := model.ReadReceipt{MessageID: messageID, UserID: t.user, ReadAt: t.now()}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	created, err := t.remote.UpsertReadReceipt(ctx, r)
	t.metrics.Receipt(created, err)
	if err != nil {
		t.logger.Warn("failed to mark message read", zap.Error(err), zap.String("message_id", messageID))
		// Let the next visibility try again.
		t.mu.Lock()
		if gen == t.gen {
			delete(t.marked, messageID)
		}
		t.mu.Unlock()
	}
}

// Apply records a receipt from the change feed. A receipt of the local user
// written elsewhere counts as already marked.
func (t *Tracker) Apply(r model.ReadReceipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.UserID != t.user || t.user == "" {
		return
	}
	t.cancel(r.MessageID)
	t.marked[r.MessageID] = struct{}{}
}

// ConversationChanged starts a new marking session. Pending marks of the
// previous conversation are dropped.
func (t *Tracker) ConversationChanged(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.pending {
		t.cancel(id)
	}
	t.gen++
	t.marked = make(map[string]struct{})
	if userID == "" {
		conversationID = ""
	}
	t.conv, t.user = conversationID, userID
}

// Marked reports whether the tracker has marked a message read.
func (t *Tracker) Marked(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.marked[messageID]
	return ok
}

// Wait blocks until every pending mark has been written or cancelled.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// ReadBy returns the readers of a message other than the local user,
// clustered by read time.
func (t *Tracker) ReadBy(messageID string) []Cluster {
	v, ok := t.source.Message(messageID)
	if !ok {
		return nil
	}
	t.mu.Lock()
	user := t.user
	t.mu.Unlock()

	readers := make([]model.ReceiptView, 0, len(v.ReadBy))
	for _, r := range v.ReadBy {
		if r.User.ID != user {
			readers = append(readers, r)
		}
	}
	return Clusters(readers, t.window)
}

// Clusters groups receipts by read time. A cluster is anchored at its
// earliest read and takes every later read within window of it.
func Clusters(receipts []model.ReceiptView, window time.Duration) []Cluster {
	if len(receipts) == 0 {
		return nil
	}
	sorted := append([]model.ReceiptView(nil), receipts...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ReadAt.Before(sorted[j].ReadAt)
	})

	var out []Cluster
	for _, r := range sorted {
		if n := len(out); n > 0 && r.ReadAt.Sub(out[n-1].Start) <= window {
			out[n-1].End = r.ReadAt
			out[n-1].Users = append(out[n-1].Users, r.User)
			continue
		}
		out = append(out, Cluster{Start: r.ReadAt, End: r.ReadAt, Users: []model.UserStub{r.User}})
	}
	return out
}
