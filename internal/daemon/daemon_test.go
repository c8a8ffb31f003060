package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/api"
	"github.com/matheus3301/huddle/internal/client"
	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/presence"
	"github.com/matheus3301/huddle/internal/receipts"
	"github.com/matheus3301/huddle/internal/remote"
	"github.com/matheus3301/huddle/internal/remote/sqlstore/sqlstoretest"
	"github.com/matheus3301/huddle/internal/status"
	intsync "github.com/matheus3301/huddle/internal/sync"
	"github.com/matheus3301/huddle/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// testDaemon wires the daemon components by hand over a fixture store and
// serves them on a Unix socket.
func testDaemon(t *testing.T, f *sqlstoretest.Fixture, pool *api.LimiterPool) *client.Client {
	t.Helper()

	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	tmpDir, err := os.MkdirTemp("/tmp", "huddle-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	logger := zap.NewNop()
	c := f.DB.Client()
	machine := status.NewMachine(f.Bus)
	sess := conversation.NewSession(c, outbox.NewSender(c, f.Bus, nil, logger), machine, f.Bus, nil, logger)
	tc := typing.New(c, time.Minute, f.Bus, nil, logger)
	pc := presence.New(c, time.Hour, f.Bus, nil, logger)
	tr := receipts.New(c, sess, 10*time.Millisecond, time.Minute, nil, logger)
	engine := intsync.NewEngine(c, sess, tc, pc, tr, nil, logger)
	sess.AddObserver(engine)
	sess.AddObserver(tc)
	sess.AddObserver(tr)
	engine.Start()

	svcs := &api.Services{
		Session:      api.NewSessionService("test", c, sess, pc, logger),
		Conversation: api.NewConversationService("test", sess, f.Bus),
		Typing:       api.NewTypingService(sess, tc, c),
		Presence:     api.NewPresenceService(pc),
		Receipts:     api.NewReceiptsService(sess, tr),
	}
	if pool == nil {
		pool = api.NewLimiterPool(1000, 1000)
	}
	srv, err := NewServer(Params{Profile: "test", SocketPath: socketPath}, logger, svcs, pool, nil)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()

	cl, err := client.New(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = cl.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
		pc.Stop()
		tc.Close()
		tr.Wait()
		engine.Stop()
	})
	return cl
}

func TestDaemonLifecycle(t *testing.T) {
	f := sqlstoretest.New(t)
	cl := testDaemon(t, f, nil)
	ctx := context.Background()

	st, err := cl.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Profile != "test" || st.SignedIn {
		t.Errorf("status before sign-in = %+v", st)
	}

	if _, err := cl.Open(ctx, f.Conversation.ID); !errors.Is(err, remote.ErrNotAuthenticated) {
		t.Errorf("Open before sign-in error = %v, want ErrNotAuthenticated", err)
	}

	in, err := cl.SignIn(ctx, "alice@example.com", "")
	if err != nil {
		t.Fatalf("SignIn error = %v", err)
	}
	if in.UserID != f.AliceID {
		t.Errorf("signed in as %q, want %q", in.UserID, f.AliceID)
	}

	sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "NQ looks heavy")
	conv, err := cl.Open(ctx, f.Conversation.ID)
	if err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if conv.Name != "es-mini" || len(conv.Messages) != 1 {
		t.Fatalf("Open() = %+v", conv)
	}
	first := conv.Messages[0]
	if first.Author.DisplayName != "Bob" {
		t.Errorf("author = %+v, want Bob", first.Author)
	}

	sent, err := cl.Send(ctx, &api.SendRequest{Content: "agreed, fading the pop"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if sent.Message.State != status.Sent || sent.Message.ClientID == "" {
		t.Errorf("sent message = %+v", sent.Message)
	}

	if err := cl.React(ctx, first.ID, "👍"); err != nil {
		t.Fatalf("React error = %v", err)
	}
	if err := cl.Edit(ctx, first.ID, "not mine"); !errors.Is(err, remote.ErrForbidden) {
		t.Errorf("Edit of bob's message error = %v, want ErrForbidden", err)
	}

	list, err := cl.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(list.Messages))
	}
	if r := list.Messages[0].Reactions; len(r) != 1 || r[0].Emoji != "👍" {
		t.Errorf("reactions = %+v", r)
	}

	if err := cl.SetStatus(ctx, "busy"); err != nil {
		t.Fatalf("SetStatus error = %v", err)
	}
	if err := cl.SetStatus(ctx, "asleep"); err == nil {
		t.Error("SetStatus accepted an unknown status")
	}
	pr, err := cl.Presence(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range pr.Presence {
		if p.UserID == f.AliceID && p.Status == model.StatusBusy {
			found = true
		}
	}
	if !found {
		t.Errorf("presence = %+v, want alice busy", pr.Presence)
	}

	if err := cl.StartTyping(ctx); err != nil {
		t.Fatalf("StartTyping error = %v", err)
	}
	ty, err := cl.Typing(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ty.Typing || ty.ConversationID != f.Conversation.ID {
		t.Errorf("typing = %+v", ty)
	}

	if err := cl.Visible(ctx, first.ID); err != nil {
		t.Fatalf("Visible error = %v", err)
	}
	if _, err := cl.ReadBy(ctx, first.ID); err != nil {
		t.Fatalf("ReadBy error = %v", err)
	}

	st, err = cl.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.SignedIn || st.ConversationID != f.Conversation.ID || st.Messages != 2 {
		t.Errorf("status = %+v", st)
	}

	if err := cl.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Messages(ctx); err != nil {
		t.Fatal(err)
	}
	if err := cl.Pin(ctx, first.ID, true); !errors.Is(err, conversation.ErrNoConversation) {
		t.Errorf("Pin after sign-out error = %v, want ErrNoConversation", err)
	}
}

func TestOpenUnknownConversation(t *testing.T) {
	f := sqlstoretest.New(t)
	cl := testDaemon(t, f, nil)
	ctx := context.Background()

	if _, err := cl.SignIn(ctx, "bob@example.com", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Open(ctx, "no-such-conversation"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Open error = %v, want ErrNotFound", err)
	}
	if _, err := cl.SignIn(ctx, "mallory@example.com", "Mallory"); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Open(ctx, f.Conversation.ID); !errors.Is(err, remote.ErrNotAMember) {
		t.Errorf("Open as outsider error = %v, want ErrNotAMember", err)
	}
}

func TestWatchStreamsMessageEvents(t *testing.T) {
	f := sqlstoretest.New(t)
	cl := testDaemon(t, f, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cl.SignIn(ctx, "alice@example.com", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := cl.Open(ctx, f.Conversation.ID); err != nil {
		t.Fatal(err)
	}

	events := make(chan *api.Event, 16)
	go func() {
		_ = cl.Watch(ctx, []string{"conversation."}, func(e *api.Event) error {
			events <- e
			return nil
		})
	}()

	// The stream is registered asynchronously; keep posting until an event lands.
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case e := <-events:
			if e.Kind != "conversation.changed" || e.Profile != "test" || e.ID == "" {
				t.Errorf("event = %+v", e)
			}
			return
		case <-ticker.C:
			sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "print")
		case <-deadline:
			t.Fatal("timeout waiting for watch event")
		}
	}
}

func TestRateLimitedActions(t *testing.T) {
	f := sqlstoretest.New(t)
	cl := testDaemon(t, f, api.NewLimiterPool(0.001, 1))
	ctx := context.Background()

	if _, err := cl.SignIn(ctx, "alice@example.com", ""); err != nil {
		t.Fatal(err)
	}
	m := sqlstoretest.Post(t, f.Bob, f.Conversation.ID, "bid")
	if _, err := cl.Open(ctx, f.Conversation.ID); err != nil {
		t.Fatal(err)
	}
	if err := cl.React(ctx, m.ID, "🔥"); err != nil {
		t.Fatal(err)
	}
	if err := cl.React(ctx, m.ID, "🚀"); !errors.Is(err, client.ErrRateLimited) {
		t.Errorf("second React error = %v, want ErrRateLimited", err)
	}
	// Reads are never limited.
	for range 3 {
		if _, err := cl.Messages(ctx); err != nil {
			t.Fatal(err)
		}
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves.
func TestFxModuleWiring(t *testing.T) {
	p := Params{Profile: "fxtest", Config: config.Default()}
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}

func TestNewServerCreatesSocket(t *testing.T) {
	tmpDir, err := os.MkdirTemp("/tmp", "huddle-fx-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "d.sock")

	// A stale socket from a crashed daemon is replaced.
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Params{Profile: "fxtest", SocketPath: socketPath}, zap.NewNop(), &api.Services{
		Session:      api.NewSessionService("fxtest", nil, nil, nil, nil),
		Conversation: api.NewConversationService("fxtest", nil, nil),
		Typing:       api.NewTypingService(nil, nil, nil),
		Presence:     api.NewPresenceService(nil),
		Receipts:     api.NewReceiptsService(nil, nil),
	}, api.NewLimiterPool(1, 1), nil)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}
	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket left behind after Stop: %v", statErr)
	}
}
