package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

const messageColumns = `id, client_id, conversation_id, author_id, content, reply_to_id, edited_at, pinned, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (model.Message, error) {
	var (
		m       model.Message
		replyTo sql.NullString
		edited  sql.NullInt64
		pinned  int
		created int64
	)
	if err := s.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.AuthorID, &m.Content,
		&replyTo, &edited, &pinned, &created); err != nil {
		return m, err
	}
	m.ReplyToID = nullString(replyTo)
	m.EditedAt = nullTime(edited)
	m.Pinned = pinned != 0
	m.CreatedAt = fromMS(created)
	return m, nil
}

func (db *DB) message(ctx context.Context, op, id string) (model.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		return m, classify(op, err)
	}
	return m, nil
}

// ListMessages returns every message of a conversation ordered by creation
// time with nested reactions, attachments, read receipts and reply parents.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]remote.MessageRow, error) {
	u, err := c.requireUser("list messages")
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, "list messages", conversationID, u.ID); err != nil {
		return nil, err
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, classify("list messages", err)
	}
	var out []remote.MessageRow
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, classify("list messages", err)
		}
		out = append(out, remote.MessageRow{Message: m})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, classify("list messages", err)
	}
	_ = rows.Close()

	if err := c.db.nest(ctx, "list messages", out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage returns one message with its nested rows.
func (c *Client) GetMessage(ctx context.Context, id string) (*remote.MessageRow, error) {
	u, err := c.requireUser("get message")
	if err != nil {
		return nil, err
	}
	m, err := c.db.message(ctx, "get message", id)
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, "get message", m.ConversationID, u.ID); err != nil {
		return nil, err
	}
	out := []remote.MessageRow{{Message: m}}
	if err := c.db.nest(ctx, "get message", out); err != nil {
		return nil, err
	}
	return &out[0], nil
}

// nest fills the nested rows of msgs in place.
func (db *DB) nest(ctx context.Context, op string, msgs []remote.MessageRow) error {
	if len(msgs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i, m := range msgs {
		idx[m.ID] = i
		args[i] = m.ID
	}
	in := placeholders(len(msgs))

	rows, err := db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM reactions
		WHERE message_id IN (`+in+`)
		ORDER BY created_at, user_id, emoji`, args...)
	if err != nil {
		return classify(op, err)
	}
	for rows.Next() {
		var r model.Reaction
		var created int64
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &created); err != nil {
			_ = rows.Close()
			return classify(op, err)
		}
		r.CreatedAt = fromMS(created)
		i := idx[r.MessageID]
		msgs[i].Reactions = append(msgs[i].Reactions, r)
	}
	_ = rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT id, message_id, file_name, url, content_type, size FROM attachments
		WHERE message_id IN (`+in+`)
		ORDER BY rowid`, args...)
	if err != nil {
		return classify(op, err)
	}
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.URL, &a.ContentType, &a.Size); err != nil {
			_ = rows.Close()
			return classify(op, err)
		}
		i := idx[a.MessageID]
		msgs[i].Attachments = append(msgs[i].Attachments, a)
	}
	_ = rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at FROM read_receipts
		WHERE message_id IN (`+in+`)
		ORDER BY read_at, user_id`, args...)
	if err != nil {
		return classify(op, err)
	}
	for rows.Next() {
		var r model.ReadReceipt
		var readAt int64
		if err := rows.Scan(&r.MessageID, &r.UserID, &readAt); err != nil {
			_ = rows.Close()
			return classify(op, err)
		}
		r.ReadAt = fromMS(readAt)
		i := idx[r.MessageID]
		msgs[i].ReadReceipts = append(msgs[i].ReadReceipts, r)
	}
	_ = rows.Close()

	for i := range msgs {
		parentID := msgs[i].ReplyToID
		if parentID == nil {
			continue
		}
		if j, ok := idx[*parentID]; ok {
			p := msgs[j].Message
			msgs[i].ReplyParent = &p
			continue
		}
		p, err := db.message(ctx, op, *parentID)
		if remote.KindOf(err) == remote.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		msgs[i].ReplyParent = &p
	}
	return nil
}

// InsertMessage stores a new message authored by the signed-in user. The
// store assigns the id and creation time; ClientID is kept so the sender can
// recognise the echo.
func (c *Client) InsertMessage(ctx context.Context, m model.Message) (*model.Message, error) {
	u, err := c.requireUser("insert message")
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, "insert message", m.ConversationID, u.ID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.Content) == "" {
		return nil, remote.E("insert message", nil, errEmpty("message content"))
	}
	if m.ReplyToID != nil {
		parent, err := c.db.message(ctx, "insert message", *m.ReplyToID)
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != m.ConversationID {
			return nil, remote.E("insert message", remote.ErrNotFound, nil)
		}
	}

	out := model.Message{
		ID:             uuid.NewString(),
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		AuthorID:       u.ID,
		Content:        m.Content,
		ReplyToID:      m.ReplyToID,
		Pinned:         m.Pinned,
		CreatedAt:      c.db.now().UTC().Truncate(time.Millisecond),
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		out.ID, out.ClientID, out.ConversationID, out.AuthorID, out.Content,
		out.ReplyToID, boolInt(out.Pinned), ms(out.CreatedAt))
	if err != nil {
		return nil, classify("insert message", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableMessages,
		Op:             remote.OpInsert,
		ConversationID: out.ConversationID,
		UserID:         out.AuthorID,
		Record:         out,
	})
	return &out, nil
}

// UpdateMessage applies a patch. Editing content is restricted to the author
// and stamps EditedAt; pinning is open to every member.
func (c *Client) UpdateMessage(ctx context.Context, id string, patch remote.MessagePatch) (*model.Message, error) {
	u, err := c.requireUser("update message")
	if err != nil {
		return nil, err
	}
	m, err := c.db.message(ctx, "update message", id)
	if err != nil {
		return nil, err
	}
	if err := c.requireMember(ctx, "update message", m.ConversationID, u.ID); err != nil {
		return nil, err
	}
	if patch.Content != nil && m.AuthorID != u.ID {
		return nil, remote.E("update message", remote.ErrForbidden, nil)
	}
	if patch.Content == nil && patch.Pinned == nil {
		return &m, nil
	}

	// Only patched columns are written, so a concurrent pin and edit both
	// survive. RETURNING reads the row as this statement left it.
	var (
		set  []string
		args []any
	)
	if patch.Content != nil {
		if strings.TrimSpace(*patch.Content) == "" {
			return nil, remote.E("update message", nil, errEmpty("message content"))
		}
		set = append(set, "content = ?", "edited_at = ?")
		args = append(args, *patch.Content, ms(c.db.now().UTC().Truncate(time.Millisecond)))
	}
	if patch.Pinned != nil {
		set = append(set, "pinned = ?")
		args = append(args, boolInt(*patch.Pinned))
	}
	args = append(args, m.ID)
	m, err = scanMessage(c.db.QueryRowContext(ctx,
		`UPDATE messages SET `+strings.Join(set, ", ")+` WHERE id = ? RETURNING `+messageColumns, args...))
	if err != nil {
		return nil, classify("update message", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableMessages,
		Op:             remote.OpUpdate,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         m,
	})
	return &m, nil
}

// DeleteMessage removes a message and its nested rows. Author-only. Replies
// keep existing with their parent reference cleared.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	u, err := c.requireUser("delete message")
	if err != nil {
		return err
	}
	m, err := c.db.message(ctx, "delete message", id)
	if err != nil {
		return err
	}
	if m.AuthorID != u.ID {
		return remote.E("delete message", remote.ErrForbidden, nil)
	}
	if _, err := c.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return classify("delete message", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableMessages,
		Op:             remote.OpDelete,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         m,
	})
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
