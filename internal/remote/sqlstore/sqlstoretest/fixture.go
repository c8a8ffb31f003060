// Package sqlstoretest builds throwaway SQLite stores populated with a team,
// a conversation and two signed-in members.
package sqlstoretest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote/sqlstore"
)

// Fixture is a migrated store with two members of one team.
type Fixture struct {
	DB           *sqlstore.DB
	Bus          *bus.Bus
	Alice        *sqlstore.Client
	Bob          *sqlstore.Client
	AliceID      string
	BobID        string
	Team         *model.Team
	Conversation *model.Conversation
	Clock        *Clock
}

// Clock is a fake time source that moves forward by Step on every read so
// server timestamps are strictly increasing.
type Clock struct {
	mu   sync.Mutex
	t    time.Time
	Step time.Duration
}

// NewClock starts a clock at start.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{t: start, Step: step}
}

// Now returns the current fake time and advances it by Step.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.Step)
	return now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// New creates the fixture under t.TempDir. Alice owns the team and both
// users have profiles with display names.
func New(t *testing.T) *Fixture {
	t.Helper()
	ctx := context.Background()

	b := bus.New()
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "remote.db"), b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	clock := NewClock(time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC), time.Second)
	db.SetClock(clock.Now)

	f := &Fixture{DB: db, Bus: b, Alice: db.Client(), Bob: db.Client(), Clock: clock}

	alice, err := f.Alice.SignIn(ctx, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Alice.UpdateProfile(ctx, "Alice", "https://example.com/alice.png"); err != nil {
		t.Fatal(err)
	}
	bob, err := f.Bob.SignIn(ctx, "bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Bob.UpdateProfile(ctx, "Bob", ""); err != nil {
		t.Fatal(err)
	}
	f.AliceID, f.BobID = alice.ID, bob.ID

	f.Team, err = f.Alice.CreateTeam(ctx, "Futures Desk")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Alice.AddMember(ctx, f.Team.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
	f.Conversation, err = f.Alice.CreateConversation(ctx, f.Team.ID, "es-mini")
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// Outsider returns a signed-in client that belongs to no team.
func (f *Fixture) Outsider(t *testing.T) *sqlstore.Client {
	t.Helper()
	c := f.DB.Client()
	if _, err := c.SignIn(context.Background(), "mallory@example.com"); err != nil {
		t.Fatal(err)
	}
	return c
}

// Post inserts a message as c and fails the test on error.
func Post(t *testing.T, c *sqlstore.Client, conversationID, content string) *model.Message {
	t.Helper()
	m, err := c.InsertMessage(context.Background(), model.Message{ConversationID: conversationID, Content: content})
	if err != nil {
		t.Fatal(err)
	}
	return m
}
