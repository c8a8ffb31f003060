package sqlstore

import (
	"context"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// InsertReaction adds the signed-in user's reaction to a message. A
// duplicate (message, user, emoji) is a conflict.
func (c *Client) InsertReaction(ctx context.Context, r model.Reaction) error {
	u, err := c.requireUser("insert reaction")
	if err != nil {
		return err
	}
	if r.Emoji == "" {
		return remote.E("insert reaction", nil, errEmpty("emoji"))
	}
	m, err := c.db.message(ctx, "insert reaction", r.MessageID)
	if err != nil {
		return err
	}
	if err := c.requireMember(ctx, "insert reaction", m.ConversationID, u.ID); err != nil {
		return err
	}

	r.UserID = u.ID
	r.CreatedAt = c.db.now().UTC().Truncate(time.Millisecond)
	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
		r.MessageID, r.UserID, r.Emoji, ms(r.CreatedAt)); err != nil {
		return classify("insert reaction", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableReactions,
		Op:             remote.OpInsert,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         r,
	})
	return nil
}

// DeleteReaction removes the signed-in user's reaction. Removing a reaction
// that does not exist is reported as not found.
func (c *Client) DeleteReaction(ctx context.Context, r model.Reaction) error {
	u, err := c.requireUser("delete reaction")
	if err != nil {
		return err
	}
	m, err := c.db.message(ctx, "delete reaction", r.MessageID)
	if err != nil {
		return err
	}

	r.UserID = u.ID
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return classify("delete reaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return remote.E("delete reaction", remote.ErrNotFound, nil)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableReactions,
		Op:             remote.OpDelete,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         r,
	})
	return nil
}
