package sqlstore

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// CreateTeam creates a team owned by the signed-in user, who becomes its first member.
func (c *Client) CreateTeam(ctx context.Context, name string) (*model.Team, error) {
	u, err := c.requireUser("create team")
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, remote.E("create team", nil, errEmpty("team name"))
	}

	t := &model.Team{ID: uuid.NewString(), Name: name, OwnerID: u.ID, CreatedAt: c.db.now().UTC()}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("create team", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO teams (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.Name, t.OwnerID, ms(t.CreatedAt)); err != nil {
		return nil, classify("create team", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, 'owner', ?)`,
		t.ID, u.ID, ms(t.CreatedAt)); err != nil {
		return nil, classify("create team", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify("create team", err)
	}
	return t, nil
}

// AddMember invites userID into a team. Only the owner may invite; inviting
// an existing member is a conflict.
func (c *Client) AddMember(ctx context.Context, teamID, userID string) error {
	u, err := c.requireUser("add member")
	if err != nil {
		return err
	}
	var owner string
	if err := c.db.QueryRowContext(ctx, `SELECT owner_id FROM teams WHERE id = ?`, teamID).Scan(&owner); err != nil {
		return classify("add member", err)
	}
	if owner != u.ID {
		return remote.E("add member", remote.ErrForbidden, nil)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, 'member', ?)`,
		teamID, userID, ms(c.db.now()))
	return classify("add member", err)
}

// CreateConversation opens a new channel in a team the user belongs to.
func (c *Client) CreateConversation(ctx context.Context, teamID, name string) (*model.Conversation, error) {
	u, err := c.requireUser("create conversation")
	if err != nil {
		return nil, err
	}
	ok, err := c.IsMember(ctx, teamID, u.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, remote.E("create conversation", remote.ErrNotAMember, nil)
	}

	conv := &model.Conversation{ID: uuid.NewString(), TeamID: teamID, Name: strings.TrimSpace(name), CreatedAt: c.db.now().UTC()}
	if conv.Name == "" {
		return nil, remote.E("create conversation", nil, errEmpty("conversation name"))
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO conversations (id, team_id, name, created_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.TeamID, conv.Name, ms(conv.CreatedAt))
	if err != nil {
		return nil, classify("create conversation", err)
	}
	return conv, nil
}

// Conversation returns a conversation by id.
func (c *Client) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	if _, err := c.requireUser("get conversation"); err != nil {
		return nil, err
	}
	var conv model.Conversation
	var created int64
	err := c.db.QueryRowContext(ctx, `SELECT id, team_id, name, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.TeamID, &conv.Name, &created)
	if err != nil {
		return nil, classify("get conversation", err)
	}
	conv.CreatedAt = fromMS(created)
	return &conv, nil
}

// ListConversations returns the conversations of every team the user belongs to.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	u, err := c.requireUser("list conversations")
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT c.id, c.team_id, c.name, c.created_at
		FROM conversations c
		JOIN team_members tm ON tm.team_id = c.team_id
		WHERE tm.user_id = ?
		ORDER BY c.created_at, c.id`, u.ID)
	if err != nil {
		return nil, classify("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var created int64
		if err := rows.Scan(&conv.ID, &conv.TeamID, &conv.Name, &created); err != nil {
			return nil, classify("list conversations", err)
		}
		conv.CreatedAt = fromMS(created)
		out = append(out, conv)
	}
	return out, classify("list conversations", rows.Err())
}

// IsMember reports whether userID belongs to teamID.
func (c *Client) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	if _, err := c.requireUser("is member"); err != nil {
		return false, err
	}
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`,
		teamID, userID).Scan(&n)
	if err != nil {
		return false, classify("is member", err)
	}
	return n > 0, nil
}

// requireMember resolves the team of a conversation and checks the user
// belongs to it.
func (c *Client) requireMember(ctx context.Context, op, conversationID, userID string) error {
	var teamID string
	if err := c.db.QueryRowContext(ctx, `SELECT team_id FROM conversations WHERE id = ?`, conversationID).Scan(&teamID); err != nil {
		return classify(op, err)
	}
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`,
		teamID, userID).Scan(&n); err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return remote.E(op, remote.ErrNotAMember, nil)
	}
	return nil
}

type errEmpty string

func (e errEmpty) Error() string { return string(e) + " is empty" }
