package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/model"
)

type write struct {
	signal model.TypingSignal
	at     time.Time
}

// recordingRemote records every write.
type recordingRemote struct {
	mu     sync.Mutex
	writes []write
	err    error
	ch     chan model.TypingSignal
}

func newRecording() *recordingRemote {
	return &recordingRemote{ch: make(chan model.TypingSignal, 64)}
}

func (r *recordingRemote) UpsertTypingSignal(_ context.Context, s model.TypingSignal) error {
	r.mu.Lock()
	r.writes = append(r.writes, write{signal: s, at: time.Now()})
	err := r.err
	r.mu.Unlock()
	r.ch <- s
	return err
}

func (r *recordingRemote) all() []write {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]write(nil), r.writes...)
}

func (r *recordingRemote) next(t *testing.T) model.TypingSignal {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for typing write")
		return model.TypingSignal{}
	}
}

func newController(r Broadcaster, timeout time.Duration) *Controller {
	c := New(r, timeout, bus.New(), nil, nil)
	c.ConversationChanged("conv", "me")
	return c
}

func TestRapidStartsCoalesce(t *testing.T) {
	const timeout = 100 * time.Millisecond
	r := newRecording()
	c := newController(r, timeout)

	var last time.Time
	for range 5 {
		last = time.Now()
		c.StartTyping()
		time.Sleep(30 * time.Millisecond)
	}

	if s := r.next(t); !s.IsTyping {
		t.Fatalf("first write typing=%v, want true", s.IsTyping)
	}
	if s := r.next(t); s.IsTyping {
		t.Fatalf("second write typing=%v, want false", s.IsTyping)
	}
	c.Close()

	writes := r.all()
	if len(writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(writes))
	}
	if gap := writes[1].at.Sub(last); gap < timeout {
		t.Errorf("auto stop fired %v after the last keystroke, want >= %v", gap, timeout)
	}
	if writes[0].signal.ConversationID != "conv" {
		t.Errorf("signal = %+v", writes[0].signal)
	}
}

func TestStopTypingCancelsTimer(t *testing.T) {
	r := newRecording()
	c := newController(r, 50*time.Millisecond)

	c.StartTyping()
	c.StopTyping()
	c.StopTyping()
	if c.Typing() {
		t.Error("still typing after StopTyping")
	}

	time.Sleep(120 * time.Millisecond)
	c.Close()

	writes := r.all()
	if len(writes) != 2 || !writes[0].signal.IsTyping || writes[1].signal.IsTyping {
		t.Fatalf("writes = %+v, want true then false", writes)
	}
}

func TestSwitchSendsStopToOldConversation(t *testing.T) {
	r := newRecording()
	c := newController(r, time.Second)

	c.StartTyping()
	c.ConversationChanged("other", "")
	c.StartTyping() // ignored while the new conversation loads
	c.ConversationChanged("other", "me")

	r.next(t)
	s := r.next(t)
	if s.IsTyping || s.ConversationID != "conv" {
		t.Fatalf("switch write = %+v, want stop for conv", s)
	}

	c.StartTyping()
	if s := r.next(t); !s.IsTyping || s.ConversationID != "other" {
		t.Errorf("write = %+v, want start for other", s)
	}
	c.Close()
	for _, w := range r.all()[3:] {
		if w.signal.ConversationID == "conv" {
			t.Errorf("stale write into old conversation: %+v", w.signal)
		}
	}
}

func TestApplyAndTypingUsers(t *testing.T) {
	c := newController(newRecording(), time.Second)
	defer c.Close()
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: now})
	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "alice", IsTyping: true, UpdatedAt: now})
	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "me", IsTyping: true, UpdatedAt: now})
	c.Apply(model.TypingSignal{ConversationID: "elsewhere", UserID: "carol", IsTyping: true, UpdatedAt: now})
	// Older than the known signal.
	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: false, UpdatedAt: now.Add(-time.Second)})

	got := c.TypingUsers()
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("TypingUsers() = %v, want [alice bob]", got)
	}

	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "alice", IsTyping: false, UpdatedAt: now.Add(time.Millisecond)})
	if got := c.TypingUsers(); len(got) != 1 || got[0] != "bob" {
		t.Errorf("after clear = %v, want [bob]", got)
	}

	// No clear arrives for bob: his signal expires on its own.
	now = now.Add(1500 * time.Millisecond)
	if got := c.TypingUsers(); len(got) != 0 {
		t.Errorf("after expiry = %v, want none", got)
	}

	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: now})
	c.ConversationChanged("other", "me")
	if got := c.TypingUsers(); len(got) != 0 {
		t.Errorf("signals survived switch: %v", got)
	}
}

func TestBroadcastFailureIsSwallowed(t *testing.T) {
	r := newRecording()
	r.err = errors.New("offline")
	c := newController(r, 30*time.Millisecond)

	c.StartTyping()
	r.next(t)
	r.next(t)
	c.Close()
	c.StartTyping()
	if n := len(r.all()); n != 2 {
		t.Errorf("got %d writes, want 2", n)
	}
}

func TestSilentSignalLapses(t *testing.T) {
	c := newController(newRecording(), 50*time.Millisecond)
	defer c.Close()
	events, unsub := c.bus.Subscribe("typing.", 8)
	defer unsub()

	next := func(what string) {
		t.Helper()
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatalf("no typing event for %s", what)
		}
	}

	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: time.Now()})
	next("bob starting")
	if got := c.TypingUsers(); len(got) != 1 {
		t.Fatalf("TypingUsers() = %v, want [bob]", got)
	}

	// No clear ever arrives.
	next("bob's signal lapsing")
	if got := c.TypingUsers(); len(got) != 0 {
		t.Errorf("TypingUsers() = %v after lapse, want none", got)
	}
}

func TestRefreshedSignalOutlivesFirstLapse(t *testing.T) {
	c := newController(newRecording(), 80*time.Millisecond)
	defer c.Close()
	events, unsub := c.bus.Subscribe("typing.", 8)
	defer unsub()

	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: time.Now()})
	time.Sleep(50 * time.Millisecond)
	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: time.Now()})
	<-events
	<-events

	// The first signal's deadline passes; bob is still typing.
	time.Sleep(40 * time.Millisecond)
	if got := c.TypingUsers(); len(got) != 1 {
		t.Errorf("TypingUsers() = %v, want [bob]", got)
	}
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no typing event when the refreshed signal lapsed")
	}
}

func TestSwitchCancelsLapse(t *testing.T) {
	c := newController(newRecording(), 30*time.Millisecond)
	defer c.Close()
	c.Apply(model.TypingSignal{ConversationID: "conv", UserID: "bob", IsTyping: true, UpdatedAt: time.Now()})
	events, unsub := c.bus.Subscribe("typing.", 8)
	defer unsub()

	c.ConversationChanged("other", "me")
	<-events
	select {
	case <-events:
		t.Error("lapse of a signal from the old conversation was published")
	case <-time.After(100 * time.Millisecond):
	}
}
