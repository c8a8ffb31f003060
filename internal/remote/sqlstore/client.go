package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// Client is one user's authenticated view of the store. Every operation is
// authorized against the signed-in user.
type Client struct {
	db *DB

	mu   sync.RWMutex
	user *model.User
}

var _ remote.Store = (*Client)(nil)

// EnsureUser returns the user registered under email, creating the account
// and its profile when missing. Administrative: no session is required.
func (db *DB) EnsureUser(ctx context.Context, email, displayName string) (*model.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, errors.New("ensure user: empty email")
	}

	var id string
	err := db.QueryRowContext(ctx, `SELECT user_id FROM profiles WHERE email = ?`, email).Scan(&id)
	if err == nil {
		return &model.User{ID: id, Email: email}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("ensure user", err)
	}

	id = uuid.NewString()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO NOTHING`,
		id, email, displayName, ms(db.now())); err != nil {
		return nil, classify("ensure user", err)
	}
	// Another writer may have won the race for this email.
	if err := db.QueryRowContext(ctx, `SELECT user_id FROM profiles WHERE email = ?`, email).Scan(&id); err != nil {
		return nil, classify("ensure user", err)
	}
	return &model.User{ID: id, Email: email}, nil
}

// SignIn authenticates the client as the user registered under email,
// creating the account on first sign-in.
func (c *Client) SignIn(ctx context.Context, email string) (*model.User, error) {
	u, err := c.db.EnsureUser(ctx, email, "")
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
	return u, nil
}

// SignOut drops the local session.
func (c *Client) SignOut() {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
}

// CurrentUser returns the signed-in user, or nil when signed out.
func (c *Client) CurrentUser(_ context.Context) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil, nil
	}
	u := *c.user
	return &u, nil
}

func (c *Client) requireUser(op string) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil, remote.E(op, remote.ErrNotAuthenticated, nil)
	}
	u := *c.user
	return &u, nil
}

// UpdateProfile changes the display name and avatar of the signed-in user.
func (c *Client) UpdateProfile(ctx context.Context, displayName, avatarURL string) error {
	u, err := c.requireUser("update profile")
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE profiles SET display_name = ?, avatar_url = ? WHERE user_id = ?`,
		displayName, avatarURL, u.ID)
	return classify("update profile", err)
}

// Profiles returns the profiles of the given users. Unknown ids are skipped.
func (c *Client) Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error) {
	if _, err := c.requireUser("profiles"); err != nil {
		return nil, err
	}
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT user_id, email, display_name, avatar_url
		FROM profiles WHERE user_id IN (`+placeholders(len(ids))+`)
		ORDER BY user_id`, args...)
	if err != nil {
		return nil, classify("profiles", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Profile
	for rows.Next() {
		var p model.Profile
		if err := rows.Scan(&p.UserID, &p.Email, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, classify("profiles", err)
		}
		out = append(out, p)
	}
	return out, classify("profiles", rows.Err())
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
