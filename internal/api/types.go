package api

import (
	"encoding/json"

	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/receipts"
)

// Empty is the request or response of calls that carry nothing.
type Empty struct{}

type StatusResponse struct {
	Profile          string       `json:"profile"`
	SignedIn         bool         `json:"signed_in"`
	UserID           string       `json:"user_id,omitempty"`
	Email            string       `json:"email,omitempty"`
	ConversationID   string       `json:"conversation_id,omitempty"`
	ConversationName string       `json:"conversation_name,omitempty"`
	Messages         int          `json:"messages"`
	Presence         model.Status `json:"presence,omitempty"`
	UptimeMs         int64        `json:"uptime_ms"`
}

type SignInRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type SignInResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type OpenRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationResponse struct {
	ConversationID string              `json:"conversation_id"`
	Name           string              `json:"name"`
	TeamID         string              `json:"team_id"`
	Messages       []model.MessageView `json:"messages"`
}

type MessagesResponse struct {
	Messages []model.MessageView `json:"messages"`
}

// File is an attachment uploaded with a message.
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type SendRequest struct {
	Content   string  `json:"content"`
	ReplyToID *string `json:"reply_to_id,omitempty"`
	Files     []File  `json:"files,omitempty"`
}

type ReplyRequest struct {
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
}

type ResendRequest struct {
	ClientID string `json:"client_id"`
}

type MessageResponse struct {
	Message model.MessageView `json:"message"`
}

type EditRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageRequest struct {
	MessageID string `json:"message_id"`
}

type PinRequest struct {
	MessageID string `json:"message_id"`
	Pinned    bool   `json:"pinned"`
}

type ReactionRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// WatchRequest selects event kinds by prefix. No prefixes means every
// state event.
type WatchRequest struct {
	Prefixes []string `json:"prefixes,omitempty"`
}

// Event is one state notification streamed by Watch.
type Event struct {
	ID               string          `json:"id"`
	Profile          string          `json:"profile"`
	Kind             string          `json:"kind"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

type TypingResponse struct {
	ConversationID string           `json:"conversation_id,omitempty"`
	Typing         bool             `json:"typing"`
	Users          []model.UserStub `json:"users"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type PresenceResponse struct {
	Presence []model.Presence `json:"presence"`
}

type VisibilityRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type ReadByResponse struct {
	MessageID string             `json:"message_id"`
	Clusters  []receipts.Cluster `json:"clusters"`
}
