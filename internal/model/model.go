// Package model holds the domain types shared by the remote store adapter and
// the realtime state components.
package model

import (
	"fmt"
	"time"

	"github.com/matheus3301/huddle/internal/status"
)

// User is the signed-in identity returned by the remote store.
type User struct {
	ID    string
	Email string
}

// Profile is the raw profile record of a user.
type Profile struct {
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
}

// AnonymousName is shown when a profile lookup misses.
const AnonymousName = "Anonymous"

// UserStub is the display-ready reference to a user.
type UserStub struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Anonymous returns the fallback stub for a user with no profile.
func Anonymous(id string) UserStub {
	return UserStub{ID: id, DisplayName: AnonymousName}
}

// Stub converts a profile into a display stub. A blank display name falls
// back to the email, then to Anonymous.
func (p Profile) Stub() UserStub {
	name := p.DisplayName
	if name == "" {
		name = p.Email
	}
	if name == "" {
		name = AnonymousName
	}
	return UserStub{ID: p.UserID, DisplayName: name, AvatarURL: p.AvatarURL}
}

// Team groups members and conversations.
type Team struct {
	ID        string
	Name      string
	OwnerID   string
	CreatedAt time.Time
}

// Conversation is a team-scoped chat channel.
type Conversation struct {
	ID        string
	TeamID    string
	Name      string
	CreatedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id,omitempty"`
	ConversationID string     `json:"conversation_id"`
	AuthorID       string     `json:"author_id"`
	Content        string     `json:"content"`
	ReplyToID      *string    `json:"reply_to_id,omitempty"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Pinned         bool       `json:"pinned"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Before reports whether m sorts before o: by creation time, ties broken by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	MessageID   string `json:"message_id"`
	FileName    string `json:"file_name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Reaction is unique per (MessageID, UserID, Emoji).
type Reaction struct {
	MessageID string
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

// ReactionGroup is the display grouping of one emoji on a message.
type ReactionGroup struct {
	Emoji string     `json:"emoji"`
	Count int        `json:"count"`
	Users []UserStub `json:"users"`
}

// Has reports whether userID is among the reacting users.
func (g ReactionGroup) Has(userID string) bool {
	for _, u := range g.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// ReadReceipt records that a user has seen a message. First read wins.
type ReadReceipt struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// ReceiptView is a read receipt with its reader resolved.
type ReceiptView struct {
	User   UserStub  `json:"user"`
	ReadAt time.Time `json:"read_at"`
}

// TypingSignal is the upserted "user is typing" flag of one user in one conversation.
type TypingSignal struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	UpdatedAt      time.Time
}

// Live reports whether the signal still counts as typing at now. A typing
// signal expires after timeout even when no explicit clear arrives.
func (s TypingSignal) Live(now time.Time, timeout time.Duration) bool {
	return s.IsTyping && now.Sub(s.UpdatedAt) < timeout
}

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q: must be one of online, away, busy, offline", s)
}

// Presence is the current status of a user, global across conversations.
type Presence struct {
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReplyPreview is the resolved reply-parent of a message.
type ReplyPreview struct {
	ID      string   `json:"id"`
	Content string   `json:"content"`
	Author  UserStub `json:"author"`
}

// MessageView is a fully joined message as shown to the UI.
type MessageView struct {
	Message
	Author      UserStub        `json:"author"`
	Reactions   []ReactionGroup `json:"reactions"`
	Attachments []Attachment    `json:"attachments"`
	ReadBy      []ReceiptView   `json:"read_by"`
	ReplyTo     *ReplyPreview   `json:"reply_to,omitempty"`

	// State is the client-visible lifecycle state.
	State status.State `json:"state"`
	// Confirmed is set once the message was seen in a snapshot or echoed
	// back by the change feed.
	Confirmed bool            `json:"confirmed"`
	Delivery  status.Delivery `json:"delivery"`
}

// Readers counts receipts from users other than the author.
func (v MessageView) Readers() int {
	n := 0
	for _, r := range v.ReadBy {
		if r.User.ID != v.AuthorID {
			n++
		}
	}
	return n
}

// HasReceipt reports whether userID already read the message.
func (v MessageView) HasReceipt(userID string) bool {
	for _, r := range v.ReadBy {
		if r.User.ID == userID {
			return true
		}
	}
	return false
}
