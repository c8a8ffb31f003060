// Package conversation holds the state of the open conversation: a sorted,
// fully joined message list kept in step with the remote store through
// snapshot loads, change-feed patches and the local user's own actions.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/normalize"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/status"
	"go.uber.org/zap"
)

var (
	// ErrStale is returned when the active conversation changed while a
	// remote call was in flight. The result was discarded.
	ErrStale = errors.New("conversation changed while request was in flight")
	// ErrNoConversation is returned by actions that need an open conversation.
	ErrNoConversation = errors.New("no conversation is open")
)

// Remote is the part of the remote store the session reads and writes.
type Remote interface {
	CurrentUser(ctx context.Context) (*model.User, error)
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]remote.MessageRow, error)
	Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error)
	UpdateMessage(ctx context.Context, id string, patch remote.MessagePatch) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	InsertReaction(ctx context.Context, r model.Reaction) error
	DeleteReaction(ctx context.Context, r model.Reaction) error
}

// Sender delivers drafts to the remote store.
type Sender interface {
	Send(ctx context.Context, clientID string, d outbox.Draft) (*outbox.Result, error)
}

// Observer is told when the active conversation changes. A load in progress
// is reported with an empty userID, a ready conversation with both ids set,
// and a closed session or failed load with both empty.
type Observer interface {
	ConversationChanged(conversationID, userID string)
}

// ChangeEvent is the payload of bus.ConversationChanged.
type ChangeEvent struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
	MessageID      string `json:"message_id,omitempty"`
}

// Session is the single source of truth for the open conversation.
//
// Every remote call happens outside the lock. Results are committed only if
// the generation counter still matches the one captured before the call, so
// a response for a conversation the user already left is dropped.
type Session struct {
	remote  Remote
	sender  Sender
	machine *status.Machine
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	// nmu serializes observer notifications.
	nmu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	active    string
	loaded    bool
	dirty     bool
	conv      *model.Conversation
	user      *model.User
	messages  []model.MessageView
	dir       normalize.Directory
	drafts    map[string]outbox.Draft
	observers []Observer
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces the time source of pending messages.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// NewSession creates a session with no open conversation.
func NewSession(r Remote, sender Sender, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = status.NewMachine(b)
	}
	s := &Session{
		remote:  r,
		sender:  sender,
		machine: machine,
		bus:     b,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		drafts:  make(map[string]outbox.Draft),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver registers o for conversation switches.
func (s *Session) AddObserver(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Open makes id the active conversation. See Load.
func (s *Session) Open(ctx context.Context, id string) error {
	return s.Load(ctx, id)
}

// Load replaces the whole state with a fresh snapshot of conversation id.
// It fails with remote.ErrNotAuthenticated without a signed-in user,
// remote.ErrNotFound for an unknown conversation and remote.ErrNotAMember
// when the user is outside its team. A Load overtaken by another Load or a
// Close returns ErrStale and leaves the newer state alone.
func (s *Session) Load(ctx context.Context, id string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.active = id
	s.loaded = false
	s.dirty = false
	s.conv, s.user = nil, nil
	s.messages, s.dir = nil, nil
	s.drafts = make(map[string]outbox.Draft)
	s.machine.Reset()
	s.mu.Unlock()
	s.metrics.SetMessages(0)

	s.notify(gen, id, "")

	err := s.load(ctx, gen, id)
	switch {
	case errors.Is(err, ErrStale):
		s.metrics.Load(metrics.ResultStale)
		s.logger.Debug("discarded stale conversation load", zap.String("conversation_id", id))
		return err
	case err != nil:
		s.metrics.Load(metrics.ResultError)
		s.mu.Lock()
		if s.gen == gen {
			s.active = ""
		}
		s.mu.Unlock()
		s.notify(gen, "", "")
		return err
	}
	s.metrics.Load(metrics.ResultOK)
	return nil
}

func (s *Session) load(ctx context.Context, gen uint64, id string) error {
	user, err := s.remote.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if user == nil {
		return remote.E("load conversation", remote.ErrNotAuthenticated, nil)
	}
	conv, err := s.remote.Conversation(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.remote.IsMember(ctx, conv.TeamID, user.ID)
	if err != nil {
		return err
	}
	if !ok {
		return remote.E("load conversation", remote.ErrNotAMember, nil)
	}

	views, dir, err := s.fetch(ctx, id, user.ID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStale
	}
	s.conv, s.user = conv, user
	s.dir = dir
	s.setMessages(views)
	s.loaded = true
	dirty := s.dirty
	s.dirty = false
	n := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetMessages(n)
	s.logger.Info("conversation loaded",
		zap.String("conversation_id", id), zap.Int("messages", n))
	s.notify(gen, id, user.ID)
	s.publish(id, "load", "")

	// Changes that arrived while the snapshot was being read may not be in it.
	if dirty {
		if err := s.refresh(ctx, gen); err != nil && !errors.Is(err, ErrStale) {
			s.logger.Warn("failed to refresh conversation", zap.Error(err), zap.String("conversation_id", id))
		}
	}
	return nil
}

// fetch reads and normalizes the messages of a conversation.
func (s *Session) fetch(ctx context.Context, id, userID string) ([]model.MessageView, normalize.Directory, error) {
	rows, err := s.remote.ListMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	profiles, err := s.remote.Profiles(ctx, append(normalize.UserIDs(rows), userID))
	if err != nil {
		return nil, nil, err
	}
	dir := normalize.NewDirectory(profiles)
	return normalize.NormalizeWith(rows, dir), dir, nil
}

// Reload re-reads the active conversation without resetting observers.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	gen, loaded := s.gen, s.loaded
	s.mu.Unlock()
	if !loaded {
		return ErrNoConversation
	}
	return s.refresh(ctx, gen)
}

// refresh replaces the snapshot of the active conversation, keeping local
// messages that have not reached the store yet.
func (s *Session) refresh(ctx context.Context, gen uint64) error {
	s.mu.Lock()
	if s.gen != gen || !s.loaded {
		s.mu.Unlock()
		return ErrStale
	}
	id, userID := s.active, s.user.ID
	s.mu.Unlock()

	views, dir, err := s.fetch(ctx, id, userID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.metrics.Load(metrics.ResultStale)
		return ErrStale
	}
	known := make(map[string]struct{}, len(views))
	for _, v := range views {
		known[v.ClientID] = struct{}{}
	}
	for _, v := range s.messages {
		if v.State != status.Sending && v.State != status.Failed {
			continue
		}
		if _, ok := known[v.ClientID]; ok {
			continue
		}
		views = append(views, v)
	}
	s.dir = dir
	s.setMessages(views)
	n := len(s.messages)
	s.mu.Unlock()

	s.metrics.SetMessages(n)
	s.publish(id, "reload", "")
	return nil
}

// Close leaves the active conversation and drops its state.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	id := s.active
	s.active = ""
	s.loaded = false
	s.dirty = false
	s.conv, s.user = nil, nil
	s.messages, s.dir = nil, nil
	s.drafts = make(map[string]outbox.Draft)
	s.machine.Reset()
	s.mu.Unlock()

	s.metrics.SetMessages(0)
	s.notify(gen, "", "")
	if id != "" {
		s.publish(id, "close", "")
	}
}

// Active returns the open conversation and the local user. ok is false while
// nothing is loaded.
func (s *Session) Active() (conv model.Conversation, user model.User, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return conv, user, false
	}
	return *s.conv, *s.user, true
}

// Messages returns a copy of the message list in display order.
func (s *Session) Messages() []model.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MessageView, len(s.messages))
	for i, v := range s.messages {
		out[i] = clone(v)
	}
	return out
}

// Message returns a copy of one message.
func (s *Session) Message(id string) (model.MessageView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return model.MessageView{}, false
	}
	return clone(s.messages[i]), true
}

// setMessages installs views sorted and registers their lifecycle state.
// Callers hold mu.
func (s *Session) setMessages(views []model.MessageView) {
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Message.Before(views[j].Message)
	})
	for i := range views {
		s.machine.Track(views[i].ID, views[i].State)
		settle(&views[i])
	}
	s.messages = views
}

// index returns the position of id, or -1. Callers hold mu.
func (s *Session) index(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insert places v at its sorted position. Callers hold mu.
func (s *Session) insert(v model.MessageView) {
	settle(&v)
	i := sort.Search(len(s.messages), func(i int) bool {
		return v.Message.Before(s.messages[i].Message)
	})
	s.messages = append(s.messages, model.MessageView{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = v
}

// remove deletes the message at i. Callers hold mu.
func (s *Session) remove(i int) {
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
}

// resort restores display order after a message changed its sort key.
// Callers hold mu.
func (s *Session) resort() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].Message.Before(s.messages[j].Message)
	})
}

// notify reports a switch to observers if gen is still current.
func (s *Session) notify(gen uint64, conversationID, userID string) {
	s.nmu.Lock()
	defer s.nmu.Unlock()

	s.mu.Lock()
	current := s.gen == gen
	obs := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	if !current {
		return
	}
	for _, o := range obs {
		o.ConversationChanged(conversationID, userID)
	}
}

func (s *Session) publish(conversationID, reason, messageID string) {
	s.bus.Publish(bus.Event{
		Kind:      bus.ConversationChanged,
		Timestamp: time.Now(),
		Payload:   ChangeEvent{ConversationID: conversationID, Reason: reason, MessageID: messageID},
	})
}

// settle recomputes the delivery badge.
func settle(v *model.MessageView) {
	v.Delivery = status.DeliveryOf(v.State, v.Confirmed, v.Readers())
}

func clone(v model.MessageView) model.MessageView {
	v.Reactions = append([]model.ReactionGroup(nil), v.Reactions...)
	for i := range v.Reactions {
		v.Reactions[i].Users = append([]model.UserStub(nil), v.Reactions[i].Users...)
	}
	v.Attachments = append([]model.Attachment(nil), v.Attachments...)
	v.ReadBy = append([]model.ReceiptView(nil), v.ReadBy...)
	if v.ReplyTo != nil {
		p := *v.ReplyTo
		v.ReplyTo = &p
	}
	return v
}
