package sqlstore

import (
	"context"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// UpsertTypingSignal sets the signed-in user's typing flag in a conversation.
func (c *Client) UpsertTypingSignal(ctx context.Context, s model.TypingSignal) error {
	u, err := c.requireUser("upsert typing signal")
	if err != nil {
		return err
	}
	if err := c.requireMember(ctx, "upsert typing signal", s.ConversationID, u.ID); err != nil {
		return err
	}

	s.UserID = u.ID
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = c.db.now()
	}
	s.UpdatedAt = s.UpdatedAt.UTC().Truncate(time.Millisecond)

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO typing_signals (conversation_id, user_id, is_typing, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			is_typing = excluded.is_typing,
			updated_at = excluded.updated_at`,
		s.ConversationID, s.UserID, boolInt(s.IsTyping), ms(s.UpdatedAt))
	if err != nil {
		return classify("upsert typing signal", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableTyping,
		Op:             remote.OpUpdate,
		ConversationID: s.ConversationID,
		UserID:         u.ID,
		Record:         s,
	})
	return nil
}

// UpsertPresence sets the signed-in user's status. A write older than the
// stored one is ignored.
func (c *Client) UpsertPresence(ctx context.Context, p model.Presence) error {
	u, err := c.requireUser("upsert presence")
	if err != nil {
		return err
	}
	if _, err := model.ParseStatus(string(p.Status)); err != nil {
		return remote.E("upsert presence", nil, err)
	}

	p.UserID = u.ID
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = c.db.now()
	}
	p.UpdatedAt = p.UpdatedAt.UTC().Truncate(time.Millisecond)

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= presence.updated_at`,
		p.UserID, string(p.Status), ms(p.UpdatedAt))
	if err != nil {
		return classify("upsert presence", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	c.db.publish(remote.Change{
		Table:  remote.TablePresence,
		Op:     remote.OpUpdate,
		UserID: u.ID,
		Record: p,
	})
	return nil
}

// ListPresence returns the stored status of every user.
func (c *Client) ListPresence(ctx context.Context) ([]model.Presence, error) {
	if _, err := c.requireUser("list presence"); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, `SELECT user_id, status, updated_at FROM presence ORDER BY user_id`)
	if err != nil {
		return nil, classify("list presence", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Presence
	for rows.Next() {
		var p model.Presence
		var st string
		var updated int64
		if err := rows.Scan(&p.UserID, &st, &updated); err != nil {
			return nil, classify("list presence", err)
		}
		p.Status = model.Status(st)
		p.UpdatedAt = fromMS(updated)
		out = append(out, p)
	}
	return out, classify("list presence", rows.Err())
}
