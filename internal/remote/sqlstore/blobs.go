package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/remote"
)

// BlobScheme prefixes the URL of an uploaded blob.
const BlobScheme = "blob://"

// UploadBlob stores data under bucket/path and returns its public URL.
// Uploading to an existing path is a conflict.
func (c *Client) UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error) {
	if _, err := c.requireUser("upload blob"); err != nil {
		return "", err
	}
	path = strings.TrimPrefix(path, "/")
	if bucket == "" || path == "" {
		return "", remote.E("upload blob", nil, errEmpty("blob location"))
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO blobs (bucket, path, data, created_at) VALUES (?, ?, ?, ?)`,
		bucket, path, data, ms(c.db.now()))
	if err != nil {
		return "", classify("upload blob", err)
	}
	return BlobScheme + bucket + "/" + path, nil
}

// Blob returns the bytes stored behind a URL returned by UploadBlob.
func (db *DB) Blob(ctx context.Context, url string) ([]byte, error) {
	rest, ok := strings.CutPrefix(url, BlobScheme)
	if !ok {
		return nil, fmt.Errorf("blob: unsupported url %q", url)
	}
	bucket, path, ok := strings.Cut(rest, "/")
	if !ok {
		return nil, fmt.Errorf("blob: malformed url %q", url)
	}
	var data []byte
	if err := db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE bucket = ? AND path = ?`, bucket, path).Scan(&data); err != nil {
		return nil, classify("get blob", err)
	}
	return data, nil
}

// InsertAttachment links an uploaded file to a message. Only the message
// author may attach files.
func (c *Client) InsertAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error) {
	u, err := c.requireUser("insert attachment")
	if err != nil {
		return nil, err
	}
	m, err := c.db.message(ctx, "insert attachment", a.MessageID)
	if err != nil {
		return nil, err
	}
	if m.AuthorID != u.ID {
		return nil, remote.E("insert attachment", remote.ErrForbidden, nil)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, file_name, url, content_type, size)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.MessageID, a.FileName, a.URL, a.ContentType, a.Size)
	if err != nil {
		return nil, classify("insert attachment", err)
	}

	c.db.publish(remote.Change{
		Table:          remote.TableAttachments,
		Op:             remote.OpInsert,
		ConversationID: m.ConversationID,
		UserID:         u.ID,
		Record:         a,
	})
	return &a, nil
}
