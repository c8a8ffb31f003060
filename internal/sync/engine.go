// Package sync routes the remote change feed into the local state: message
// changes to the conversation session, typing signals to the typing
// controller, presence to the presence controller.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
	"go.uber.org/zap"
)

const applyTimeout = 10 * time.Second

// Feed is the change feed of the remote store.
type Feed interface {
	Subscribe(table remote.Table, filter remote.Filter, onChange func(remote.Change)) (unsubscribe func())
}

// Conversation applies changes to the open conversation.
type Conversation interface {
	ApplyInsert(ctx context.Context, m model.Message) error
	ApplyUpdate(ctx context.Context, m model.Message) error
	ApplyDelete(ctx context.Context, m model.Message) error
	ApplyReaction(ctx context.Context, conversationID string, op remote.Op, r model.Reaction) error
	ApplyReceipt(ctx context.Context, conversationID string, r model.ReadReceipt) error
	ApplyAttachment(ctx context.Context, conversationID string, a model.Attachment) error
	Reload(ctx context.Context) error
}

// TypingSink receives typing signals of the open conversation.
type TypingSink interface {
	Apply(s model.TypingSignal)
}

// PresenceSink receives presence updates of every user.
type PresenceSink interface {
	Apply(p model.Presence)
}

// ReceiptSink receives read receipts of the open conversation.
type ReceiptSink interface {
	Apply(r model.ReadReceipt)
}

// conversationTables are followed for the open conversation only.
var conversationTables = []remote.Table{
	remote.TableMessages,
	remote.TableReactions,
	remote.TableReadReceipts,
	remote.TableAttachments,
	remote.TableTyping,
}

// Engine keeps one set of conversation subscriptions alive at a time,
// replacing them whenever the session opens another conversation.
type Engine struct {
	feed     Feed
	conv     Conversation
	typing   TypingSink
	presence PresenceSink
	receipts ReceiptSink
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	current string
	unsubs  []func()
	global  func()
	ctx     context.Context
	cancel  context.CancelFunc

	dropped func() uint64
	seen    atomic.Uint64
}

// NewEngine creates an engine. Nil sinks are skipped.
func NewEngine(feed Feed, conv Conversation, typing TypingSink, presence PresenceSink, receipts ReceiptSink, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		feed:     feed,
		conv:     conv,
		typing:   typing,
		presence: presence,
		receipts: receipts,
		metrics:  m,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the global presence feed.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.global != nil || e.presence == nil {
		return
	}
	e.global = e.feed.Subscribe(remote.TablePresence, remote.Filter{}, e.handle)
}

// Stop drops every subscription. Changes already being applied finish.
func (e *Engine) Stop() {
	e.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unfollow()
	if e.global != nil {
		e.global()
		e.global = nil
	}
}

// ConversationChanged follows the conversation the session is loading or
// showing. Subscriptions are set up when the load starts so that changes
// landing during the load are not lost.
func (e *Engine) ConversationChanged(conversationID, _ string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conversationID == e.current {
		return
	}
	e.unfollow()
	if conversationID == "" {
		return
	}
	e.current = conversationID
	filter := remote.Filter{ConversationID: conversationID}
	for _, t := range conversationTables {
		e.unsubs = append(e.unsubs, e.feed.Subscribe(t, filter, e.handle))
	}
	e.logger.Debug("following conversation", zap.String("conversation_id", conversationID))
}

// WatchDrops makes the engine reload the open conversation whenever the
// count reported by dropped has grown since the last change it handled.
// Changes skipped by a full feed buffer are otherwise lost.
func (e *Engine) WatchDrops(dropped func() uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = dropped
	if dropped != nil {
		e.seen.Store(dropped())
	}
}

// Following returns the conversation the engine is subscribed to.
func (e *Engine) Following() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// unfollow drops the conversation subscriptions. Callers hold mu.
func (e *Engine) unfollow() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.current = ""
}

func (e *Engine) handle(c remote.Change) {
	if e.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, applyTimeout)
	defer cancel()

	e.recoverDrops(ctx)
	if err := e.apply(ctx, c); err != nil {
		e.logger.Warn("failed to apply change",
			zap.Error(err),
			zap.String("table", string(c.Table)),
			zap.String("op", string(c.Op)),
			zap.String("conversation_id", c.ConversationID))
		return
	}
	e.metrics.Applied(string(c.Table), string(c.Op))
}

func (e *Engine) recoverDrops(ctx context.Context) {
	e.mu.Lock()
	dropped := e.dropped
	e.mu.Unlock()
	if dropped == nil || e.conv == nil {
		return
	}
	n := dropped()
	last := e.seen.Load()
	if n <= last || !e.seen.CompareAndSwap(last, n) {
		return
	}
	e.logger.Warn("change feed dropped events, reloading conversation", zap.Uint64("dropped", n-last))
	if err := e.conv.Reload(ctx); err != nil &&
		!errors.Is(err, conversation.ErrNoConversation) && !errors.Is(err, conversation.ErrStale) {
		e.logger.Warn("failed to reload after drops", zap.Error(err))
	}
}

// apply dispatches one change. Records of an unexpected type are ignored.
func (e *Engine) apply(ctx context.Context, c remote.Change) error {
	switch c.Table {
	case remote.TableMessages:
		m, ok := c.Record.(model.Message)
		if !ok || e.conv == nil {
			return nil
		}
		switch c.Op {
		case remote.OpInsert:
			return e.conv.ApplyInsert(ctx, m)
		case remote.OpUpdate:
			return e.conv.ApplyUpdate(ctx, m)
		case remote.OpDelete:
			return e.conv.ApplyDelete(ctx, m)
		}
	case remote.TableReactions:
		r, ok := c.Record.(model.Reaction)
		if !ok || e.conv == nil {
			return nil
		}
		return e.conv.ApplyReaction(ctx, c.ConversationID, c.Op, r)
	case remote.TableReadReceipts:
		r, ok := c.Record.(model.ReadReceipt)
		if !ok {
			return nil
		}
		if e.receipts != nil {
			e.receipts.Apply(r)
		}
		if e.conv != nil {
			return e.conv.ApplyReceipt(ctx, c.ConversationID, r)
		}
	case remote.TableAttachments:
		a, ok := c.Record.(model.Attachment)
		if !ok || e.conv == nil {
			return nil
		}
		return e.conv.ApplyAttachment(ctx, c.ConversationID, a)
	case remote.TableTyping:
		s, ok := c.Record.(model.TypingSignal)
		if ok && e.typing != nil {
			e.typing.Apply(s)
		}
	case remote.TablePresence:
		p, ok := c.Record.(model.Presence)
		if ok && e.presence != nil {
			e.presence.Apply(p)
		}
	}
	return nil
}
