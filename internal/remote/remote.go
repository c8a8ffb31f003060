// Package remote defines the contract of the hosted backend the realtime
// state layer talks to: authentication, row access, blob upload and the
// change feed.
package remote

import (
	"context"
	"time"

	"github.com/matheus3301/huddle/internal/model"
)

// Table names a change-feed source.
type Table string

const (
	TableMessages     Table = "messages"
	TableReactions    Table = "reactions"
	TableAttachments  Table = "attachments"
	TableReadReceipts Table = "read_receipts"
	TableTyping       Table = "typing_signals"
	TablePresence     Table = "presence"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Topic returns the bus kind a change is published under.
func Topic(t Table, op Op) string {
	return "remote." + string(t) + "." + string(op)
}

// TablePrefix returns the bus namespace covering every change of a table.
func TablePrefix(t Table) string {
	return "remote." + string(t) + "."
}

// Change is one row change pushed by the change feed. Record holds the
// model value of the row: model.Message, model.Reaction, model.Attachment,
// model.ReadReceipt, model.TypingSignal or model.Presence. For deletes it is
// the row as it was before removal.
type Change struct {
	Table          Table
	Op             Op
	ConversationID string
	UserID         string
	Record         any
	At             time.Time
}

// Filter narrows a subscription. Zero fields match everything.
type Filter struct {
	ConversationID string
	UserID         string
}

// Match reports whether c passes the filter.
func (f Filter) Match(c Change) bool {
	if f.ConversationID != "" && f.ConversationID != c.ConversationID {
		return false
	}
	if f.UserID != "" && f.UserID != c.UserID {
		return false
	}
	return true
}

// MessageRow is a message with its nested rows as fetched from the store.
type MessageRow struct {
	model.Message
	Reactions    []model.Reaction
	Attachments  []model.Attachment
	ReadReceipts []model.ReadReceipt
	// ReplyParent is nil when the message is not a reply or the parent is gone.
	ReplyParent *model.Message
}

// UserIDs returns every user referenced by the row: author, reactors,
// readers and the reply-parent author.
func (r MessageRow) UserIDs() []string {
	ids := []string{r.AuthorID}
	for _, x := range r.Reactions {
		ids = append(ids, x.UserID)
	}
	for _, x := range r.ReadReceipts {
		ids = append(ids, x.UserID)
	}
	if r.ReplyParent != nil {
		ids = append(ids, r.ReplyParent.AuthorID)
	}
	return ids
}

// MessagePatch is a partial update of a message. Content changes are
// author-only; Pinned may be changed by any member.
type MessagePatch struct {
	Content *string
	Pinned  *bool
}

// Store is the full remote store contract. Components depend on narrower
// interfaces declared where they are used.
type Store interface {
	CurrentUser(ctx context.Context) (*model.User, error)

	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]MessageRow, error)
	GetMessage(ctx context.Context, id string) (*MessageRow, error)
	Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error)
	ListPresence(ctx context.Context) ([]model.Presence, error)

	InsertMessage(ctx context.Context, m model.Message) (*model.Message, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	InsertReaction(ctx context.Context, r model.Reaction) error
	DeleteReaction(ctx context.Context, r model.Reaction) error
	InsertAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error)
	UpsertReadReceipt(ctx context.Context, r model.ReadReceipt) (bool, error)
	UpsertTypingSignal(ctx context.Context, s model.TypingSignal) error
	UpsertPresence(ctx context.Context, p model.Presence) error

	Subscribe(table Table, filter Filter, onChange func(Change)) (unsubscribe func())
	UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error)
}
