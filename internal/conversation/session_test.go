package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/remote/sqlstore"
	"github.com/matheus3301/huddle/internal/remote/sqlstore/sqlstoretest"
	"github.com/matheus3301/huddle/internal/status"
)

func newSession(f *sqlstoretest.Fixture, c *sqlstore.Client) *Session {
	return NewSession(c, outbox.NewSender(c, f.Bus, nil, nil), nil, f.Bus, nil, nil)
}

func openAs(t *testing.T, f *sqlstoretest.Fixture, c *sqlstore.Client) *Session {
	t.Helper()
	s := newSession(f, c)
	if err := s.Load(context.Background(), f.Conversation.ID); err != nil {
		t.Fatal(err)
	}
	return s
}

func assertSorted(t *testing.T, msgs []model.MessageView) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Message.Before(msgs[i-1].Message) {
			t.Fatalf("messages out of order at %d: %s (%v) before %s (%v)",
				i, msgs[i-1].ID, msgs[i-1].CreatedAt, msgs[i].ID, msgs[i].CreatedAt)
		}
	}
}

// recorder collects observer notifications.
type recorder struct {
	mu    sync.Mutex
	calls [][2]string
}

func (r *recorder) ConversationChanged(conversationID, userID string) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]string{conversationID, userID})
	r.mu.Unlock()
}

func (r *recorder) snapshot() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.calls...)
}

func TestLoadErrors(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		client *sqlstore.Client
		id     string
		want   error
	}{
		{"signed out", f.DB.Client(), f.Conversation.ID, remote.ErrNotAuthenticated},
		{"unknown conversation", f.Bob, "does-not-exist", remote.ErrNotFound},
		{"not a member", f.Outsider(t), f.Conversation.ID, remote.ErrNotAMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(f, tt.client)
			err := s.Load(ctx, tt.id)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load() err = %v, want %v", err, tt.want)
			}
			if _, _, ok := s.Active(); ok {
				t.Error("failed load should leave no active conversation")
			}
		})
	}
}

func TestLoadBuildsSortedSnapshot(t *testing.T) {
	f := sqlstoretest.New(t)
	first := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "long ES")
	sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "same")

	rec := &recorder{}
	s := newSession(f, f.Bob)
	s.AddObserver(rec)
	if err := s.Load(context.Background(), f.Conversation.ID); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].ID != first.ID {
		t.Fatalf("messages = %+v", msgs)
	}
	assertSorted(t, msgs)
	if msgs[0].Author.DisplayName != "Alice" {
		t.Errorf("author = %+v", msgs[0].Author)
	}
	if msgs[0].State != status.Sent || msgs[0].Delivery != status.DeliveryDelivered {
		t.Errorf("state = %s, delivery = %s", msgs[0].State, msgs[0].Delivery)
	}

	s.Close()
	calls := rec.snapshot()
	want := [][2]string{{f.Conversation.ID, ""}, {f.Conversation.ID, f.BobID}, {"", ""}}
	if len(calls) != len(want) {
		t.Fatalf("observer calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, calls[i], want[i])
		}
	}
	if len(s.Messages()) != 0 {
		t.Error("Close should drop messages")
	}
}

// blockingRemote holds ListMessages for one conversation until released.
type blockingRemote struct {
	*sqlstore.Client
	block   string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) ListMessages(ctx context.Context, id string) ([]remote.MessageRow, error) {
	if id == b.block {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.Client.ListMessages(ctx, id)
}

func TestSwitchDiscardsPendingLoad(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	other, err := f.Alice.CreateConversation(ctx, f.Team.ID, "nq")
	if err != nil {
		t.Fatal(err)
	}
	sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "old conversation")
	sqlstoretest.Post(t, f.Alice, other.ID, "new conversation")

	br := &blockingRemote{
		Client:  f.Bob,
		block:   f.Conversation.ID,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	s := NewSession(br, outbox.NewSender(f.Bob, f.Bus, nil, nil), nil, f.Bus, nil, nil)

	errc := make(chan error, 1)
	go func() { errc <- s.Load(ctx, f.Conversation.ID) }()
	<-br.entered

	if err := s.Load(ctx, other.ID); err != nil {
		t.Fatal(err)
	}
	close(br.release)

	if err := <-errc; !errors.Is(err, ErrStale) {
		t.Fatalf("overtaken Load() err = %v, want ErrStale", err)
	}
	conv, _, ok := s.Active()
	if !ok || conv.ID != other.ID {
		t.Fatalf("active = %+v, want %s", conv, other.ID)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].Content != "new conversation" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestReactionScenario(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	m1 := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "M1")
	s := openAs(t, f, f.Bob)

	if err := s.AddReaction(ctx, m1.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReaction(ctx, m1.ID, "❤️"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveReaction(ctx, m1.ID, "👍"); err != nil {
		t.Fatal(err)
	}

	v, ok := s.Message(m1.ID)
	if !ok {
		t.Fatal("message missing")
	}
	if len(v.Reactions) != 1 {
		t.Fatalf("reactions = %+v, want only ❤️", v.Reactions)
	}
	g := v.Reactions[0]
	if g.Emoji != "❤️" || g.Count != 1 || g.Users[0].ID != f.BobID {
		t.Errorf("group = %+v, want ❤️ by bob", g)
	}

	// The store agrees after a reload.
	if err := s.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	v, _ = s.Message(m1.ID)
	if len(v.Reactions) != 1 || v.Reactions[0].Emoji != "❤️" {
		t.Errorf("reactions after reload = %+v", v.Reactions)
	}
}

func TestDuplicateReactionIsIdempotent(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	m1 := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "M1")
	s := openAs(t, f, f.Bob)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AddReaction(ctx, m1.ID, "👍")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("AddReaction() err = %v", err)
		}
	}

	// A change-feed echo of the same reaction changes nothing either.
	_ = s.ApplyReaction(ctx, f.Conversation.ID, remote.OpInsert, model.Reaction{MessageID: m1.ID, UserID: f.BobID, Emoji: "👍"})

	v, _ := s.Message(m1.ID)
	if len(v.Reactions) != 1 || v.Reactions[0].Count != 1 {
		t.Errorf("reactions = %+v, want one 👍", v.Reactions)
	}

	if err := s.RemoveReaction(ctx, m1.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveReaction(ctx, m1.ID, "👍"); err != nil {
		t.Errorf("removing a missing reaction should succeed, got %v", err)
	}
}

func TestNonAuthorEditIsForbidden(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	m1 := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "long ES at 5020")
	s := openAs(t, f, f.Bob)
	before, _ := s.Message(m1.ID)

	err := s.EditMessage(ctx, m1.ID, "short ES")
	if !errors.Is(err, remote.ErrForbidden) {
		t.Fatalf("EditMessage() err = %v, want ErrForbidden", err)
	}
	if remote.UserMessage(err) != "You are not allowed to do that." {
		t.Errorf("user message = %q", remote.UserMessage(err))
	}
	after, _ := s.Message(m1.ID)
	if after.Content != before.Content || after.EditedAt != nil || after.State != before.State {
		t.Errorf("local state changed: before %+v, after %+v", before.Message, after.Message)
	}
}

func TestAuthorEditAndPin(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	m1 := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "draft")
	alice := openAs(t, f, f.Alice)
	bob := openAs(t, f, f.Bob)

	if err := alice.EditMessage(ctx, m1.ID, "final"); err != nil {
		t.Fatal(err)
	}
	v, _ := alice.Message(m1.ID)
	if v.Content != "final" || v.EditedAt == nil || v.State != status.Edited {
		t.Errorf("edited view = %+v", v)
	}

	if err := bob.PinMessage(ctx, m1.ID, true); err != nil {
		t.Fatalf("member pin: %v", err)
	}
	v, _ = bob.Message(m1.ID)
	if !v.Pinned {
		t.Error("message should be pinned")
	}
}

func TestApplySequencesKeepOrder(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	s := openAs(t, f, f.Bob)
	conv := f.Conversation.ID
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	msg := func(id string, offset int) model.Message {
		return model.Message{ID: id, ConversationID: conv, AuthorID: f.AliceID, Content: id, CreatedAt: base.Add(time.Duration(offset) * time.Second)}
	}
	inserts := []model.Message{msg("e", 5), msg("a", 1), msg("c", 3), msg("b", 3), msg("d", 4), msg("z", 0)}
	for _, m := range inserts {
		if err := s.ApplyInsert(ctx, m); err != nil {
			t.Fatal(err)
		}
		assertSorted(t, s.Messages())
	}
	// Re-delivery is a no-op.
	if err := s.ApplyInsert(ctx, inserts[0]); err != nil {
		t.Fatal(err)
	}

	edited := base.Add(time.Hour)
	upd := msg("c", 3)
	upd.Content, upd.EditedAt = "c2", &edited
	if err := s.ApplyUpdate(ctx, upd); err != nil {
		t.Fatal(err)
	}
	assertSorted(t, s.Messages())
	if err := s.ApplyDelete(ctx, msg("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyDelete(ctx, msg("never-seen", 9)); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	assertSorted(t, msgs)
	ids := ""
	for _, m := range msgs {
		ids += m.ID
	}
	if ids != "zbcde" {
		t.Errorf("ids = %s, want zbcde", ids)
	}
	if v, _ := s.Message("c"); v.State != status.Edited || v.Content != "c2" {
		t.Errorf("updated view = %+v", v)
	}

	// Changes for another conversation are ignored.
	foreign := msg("x", 2)
	foreign.ConversationID = "elsewhere"
	if err := s.ApplyInsert(ctx, foreign); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Message("x"); ok {
		t.Error("foreign message applied")
	}
}

func TestReplyWithUncachedParentReloads(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	s := openAs(t, f, f.Bob)

	parent := sqlstoretest.Post(t, f.Alice, f.Conversation.ID, "parent")
	parentID := parent.ID
	reply, err := f.Alice.InsertMessage(ctx, model.Message{ConversationID: f.Conversation.ID, Content: "child", ReplyToID: &parentID})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ApplyInsert(ctx, *reply); err != nil {
		t.Fatal(err)
	}
	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after reload, want 2", len(msgs))
	}
	v, _ := s.Message(reply.ID)
	if v.ReplyTo == nil || v.ReplyTo.ID != parent.ID || v.ReplyTo.Author.DisplayName != "Alice" {
		t.Errorf("reply preview = %+v", v.ReplyTo)
	}
}

func TestAnnotationBeforeMessageInsert(t *testing.T) {
	tests := []struct {
		name  string
		apply func(ctx context.Context, f *sqlstoretest.Fixture, s *Session, m *model.Message) error
		check func(v model.MessageView) bool
	}{
		{
			name: "reaction",
			apply: func(ctx context.Context, f *sqlstoretest.Fixture, s *Session, m *model.Message) error {
				r := model.Reaction{MessageID: m.ID, UserID: f.BobID, Emoji: "👍"}
				if err := f.Bob.InsertReaction(ctx, r); err != nil {
					return err
				}
				return s.ApplyReaction(ctx, m.ConversationID, remote.OpInsert, r)
			},
			check: func(v model.MessageView) bool {
				return len(v.Reactions) == 1 && v.Reactions[0].Emoji == "👍"
			},
		},
		{
			name: "receipt",
			apply: func(ctx context.Context, f *sqlstoretest.Fixture, s *Session, m *model.Message) error {
				r := model.ReadReceipt{MessageID: m.ID, UserID: f.AliceID, ReadAt: time.Now()}
				if _, err := f.Alice.UpsertReadReceipt(ctx, r); err != nil {
					return err
				}
				return s.ApplyReceipt(ctx, m.ConversationID, r)
			},
			check: func(v model.MessageView) bool {
				return len(v.ReadBy) == 1
			},
		},
		{
			name: "attachment",
			apply: func(ctx context.Context, f *sqlstoretest.Fixture, s *Session, m *model.Message) error {
				url, err := f.Bob.UploadBlob(ctx, "attachments", m.ConversationID+"/levels.png", []byte("png"))
				if err != nil {
					return err
				}
				a, err := f.Bob.InsertAttachment(ctx, model.Attachment{MessageID: m.ID, FileName: "levels.png", URL: url, Size: 3})
				if err != nil {
					return err
				}
				return s.ApplyAttachment(ctx, m.ConversationID, *a)
			},
			check: func(v model.MessageView) bool {
				return len(v.Attachments) == 1 && v.Attachments[0].FileName == "levels.png"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := sqlstoretest.New(t)
			ctx := context.Background()
			s := openAs(t, f, f.Alice)

			m := sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "NQ long 18000")
			if err := tt.apply(ctx, f, s, m); err != nil {
				t.Fatal(err)
			}
			// The insert of the message arrives last.
			if err := s.ApplyInsert(ctx, *m); err != nil {
				t.Fatal(err)
			}

			v, ok := s.Message(m.ID)
			if !ok {
				t.Fatal("message missing")
			}
			if !tt.check(v) {
				t.Errorf("%s lost: %+v", tt.name, v)
			}
			if n := len(s.Messages()); n != 1 {
				t.Errorf("got %d messages, want 1", n)
			}
		})
	}
}

func TestReactionRemovalOfUnknownMessageIsIgnored(t *testing.T) {
	f := sqlstoretest.New(t)
	s := openAs(t, f, f.Alice)
	r := model.Reaction{MessageID: "gone", UserID: f.BobID, Emoji: "👍"}
	if err := s.ApplyReaction(context.Background(), f.Conversation.ID, remote.OpDelete, r); err != nil {
		t.Fatal(err)
	}
	if n := len(s.Messages()); n != 0 {
		t.Errorf("got %d messages, want 0", n)
	}
}

func TestDeleteClearsReplyPreview(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	parent := sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "parent")
	s := openAs(t, f, f.Bob)

	reply, err := s.ReplyTo(ctx, parent.ID, "child")
	if err != nil {
		t.Fatal(err)
	}
	if reply.ReplyTo == nil {
		t.Fatal("reply should carry a preview")
	}
	if err := s.DeleteMessage(ctx, parent.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Message(parent.ID); ok {
		t.Error("deleted message still present")
	}
	v, _ := s.Message(reply.ID)
	if v.ReplyTo != nil || v.ReplyToID != nil {
		t.Errorf("reply preview survived delete: %+v", v.ReplyTo)
	}
}

func TestSendConfirmAndRead(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	s := openAs(t, f, f.Bob)

	states, unsub := f.Bus.Subscribe(bus.MessageStateChanged, 10)
	defer unsub()

	v, err := s.SendMessage(ctx, outbox.Draft{Content: "bought the dip"})
	if err != nil {
		t.Fatal(err)
	}
	if v.State != status.Sent || v.Confirmed || v.Delivery != status.DeliverySent {
		t.Errorf("after send: state %s confirmed %v delivery %s", v.State, v.Confirmed, v.Delivery)
	}
	if v.ClientID == "" || v.ID == v.ClientID {
		t.Errorf("server id should replace client id: %+v", v.Message)
	}
	select {
	case evt := <-states:
		if c := evt.Payload.(status.StatusChange); c.From != status.Sending || c.To != status.Sent {
			t.Errorf("transition = %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for state change")
	}

	if err := s.ApplyInsert(ctx, v.Message); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Message(v.ID)
	if !got.Confirmed || got.Delivery != status.DeliveryDelivered {
		t.Errorf("after echo: confirmed %v delivery %s", got.Confirmed, got.Delivery)
	}

	if err := s.ApplyReceipt(ctx, f.Conversation.ID, model.ReadReceipt{MessageID: v.ID, UserID: f.AliceID, ReadAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Message(v.ID)
	if got.Delivery != status.DeliveryRead {
		t.Errorf("after receipt: delivery %s, want read", got.Delivery)
	}
	if len(s.Messages()) != 1 {
		t.Errorf("pending copy left behind: %+v", s.Messages())
	}
}

// flakySender fails while fail is set.
type flakySender struct {
	mu   sync.Mutex
	fail bool
	next Sender
}

func (f *flakySender) Send(ctx context.Context, clientID string, d outbox.Draft) (*outbox.Result, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, remote.E("insert message", remote.ErrTransient, errors.New("connection reset"))
	}
	return f.next.Send(ctx, clientID, d)
}

func TestFailedSendStaysUntilResent(t *testing.T) {
	f := sqlstoretest.New(t)
	ctx := context.Background()
	fs := &flakySender{fail: true, next: outbox.NewSender(f.Bob, f.Bus, nil, nil)}
	s := NewSession(f.Bob, fs, nil, f.Bus, nil, nil)
	if err := s.Load(ctx, f.Conversation.ID); err != nil {
		t.Fatal(err)
	}

	v, err := s.SendMessage(ctx, outbox.Draft{Content: "gm"})
	if !errors.Is(err, remote.ErrTransient) {
		t.Fatalf("SendMessage() err = %v, want ErrTransient", err)
	}
	if v.State != status.Failed || v.Delivery != status.DeliveryFailed {
		t.Errorf("failed view = %+v", v)
	}
	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].State != status.Failed {
		t.Fatalf("messages = %+v", msgs)
	}

	if _, err := s.ResendMessage(ctx, "unknown"); !errors.Is(err, ErrNotFailed) {
		t.Errorf("resend unknown err = %v", err)
	}

	fs.mu.Lock()
	fs.fail = false
	fs.mu.Unlock()

	sent, err := s.ResendMessage(ctx, v.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if sent.State != status.Sent || sent.ClientID != v.ClientID {
		t.Errorf("resent view = %+v", sent)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != sent.ID {
		t.Errorf("messages after resend = %+v", msgs)
	}
}

func TestActionsNeedOpenConversation(t *testing.T) {
	f := sqlstoretest.New(t)
	s := newSession(f, f.Bob)
	if err := s.AddReaction(context.Background(), "m", "👍"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
	if _, err := s.SendMessage(context.Background(), outbox.Draft{Content: "x"}); !errors.Is(err, ErrNoConversation) {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
}
