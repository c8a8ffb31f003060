package sqlstore

import (
	"context"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// UpsertReadReceipt records that the signed-in user read a message. The
// first read wins: an existing receipt is left untouched and created is
// false. Only new receipts reach the change feed.
func (c *Client) UpsertReadReceipt(ctx context.Context, r model.ReadReceipt) (bool, error) {
	u, err := c.requireUser("upsert read receipt")
	if err != nil {
		return false, err
	}
	m, err := c.db.message(ctx, "upsert read receipt", r.MessageID)
	if err != nil {
		return false, err
	}
	if err := c.requireMember(ctx, "upsert read receipt", m.ConversationID, u.ID); err != nil {
		return false, err
	}

	r.UserID = u.ID
	if r.ReadAt.IsZero() {
		r.ReadAt = c.db.now()
	}
	r.ReadAt = r.ReadAt.UTC().Truncate(time.Millisecond)

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO read_receipts (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING`,
		r.MessageID, r.UserID, ms(r.ReadAt))
	if err != nil {
		return false, classify("upsert read receipt", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	c.db.publish(remote.Change{
		Table:          remote.TableReadReceipts,
		Op:             remote.OpInsert,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         r,
	})
	return true, nil
}
