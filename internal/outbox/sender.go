package outbox

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/model"
	"go.uber.org/zap"
)

// AttachmentBucket is the blob bucket files are uploaded to.
const AttachmentBucket = "attachments"

// ErrEmptyMessage is returned for a draft with neither text nor files.
var ErrEmptyMessage = errors.New("message is empty")

// Remote is the part of the remote store the send path writes to.
type Remote interface {
	InsertMessage(ctx context.Context, m model.Message) (*model.Message, error)
	InsertAttachment(ctx context.Context, a model.Attachment) (*model.Attachment, error)
	UploadBlob(ctx context.Context, bucket, path string, data []byte) (string, error)
}

// File is an attachment waiting to be uploaded.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Draft is a message composed by the local user.
type Draft struct {
	ConversationID string
	Content        string
	ReplyToID      *string
	Files          []File
}

// Validate checks the draft can be sent.
func (d Draft) Validate() error {
	if d.ConversationID == "" {
		return errors.New("draft has no conversation")
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Files) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

// Result is a delivered message and the attachments stored with it.
type Result struct {
	Message     model.Message
	Attachments []model.Attachment
}

// SendEvent is the payload of the message.sending, message.send_ack and
// message.send_failed events.
type SendEvent struct {
	ClientID       string `json:"client_id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Sender writes drafts to the remote store. A failed send is reported once
// and never retried; re-sending is up to the user.
type Sender struct {
	remote  Remote
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSender creates a new sender.
func NewSender(remote Remote, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		remote:  remote,
		bus:     b,
		metrics: m,
		logger:  logger,
	}
}

// NewClientID returns a fresh client message id.
func NewClientID() string {
	return uuid.NewString()
}

// Send uploads the draft's files, inserts the message and links the
// attachments. clientID tags the message so its change-feed echo can be
// matched with the pending local copy.
func (s *Sender) Send(ctx context.Context, clientID string, d Draft) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	evt := SendEvent{ClientID: clientID, ConversationID: d.ConversationID}
	s.publish(bus.MessageSending, evt)

	res, err := s.send(ctx, clientID, d)
	s.metrics.Send(err)
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err),
			zap.String("client_msg_id", clientID), zap.String("conversation_id", d.ConversationID))
		evt.Error = err.Error()
		s.publish(bus.MessageSendFailed, evt)
		return nil, err
	}

	s.logger.Info("message sent", zap.String("client_msg_id", clientID), zap.String("message_id", res.Message.ID))
	evt.MessageID = res.Message.ID
	s.publish(bus.MessageSendAck, evt)
	return res, nil
}

func (s *Sender) send(ctx context.Context, clientID string, d Draft) (*Result, error) {
	type uploaded struct {
		file File
		url  string
	}
	urls := make([]uploaded, 0, len(d.Files))
	for _, f := range d.Files {
		// A fresh directory per attempt keeps a re-send from colliding
		// with blobs uploaded by the failed one.
		p := path.Join(d.ConversationID, uuid.NewString(), path.Base(f.Name))
		url, err := s.remote.UploadBlob(ctx, AttachmentBucket, p, f.Data)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		urls = append(urls, uploaded{file: f, url: url})
	}

	content := d.Content
	if strings.TrimSpace(content) == "" {
		content = attachmentSummary(d.Files)
	}
	m, err := s.remote.InsertMessage(ctx, model.Message{
		ClientID:       clientID,
		ConversationID: d.ConversationID,
		Content:        content,
		ReplyToID:      d.ReplyToID,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Message: *m}
	for _, u := range urls {
		a, err := s.remote.InsertAttachment(ctx, model.Attachment{
			MessageID:   m.ID,
			FileName:    u.file.Name,
			URL:         u.url,
			ContentType: u.file.ContentType,
			Size:        int64(len(u.file.Data)),
		})
		if err != nil {
			// The message itself is stored; a missing attachment shows up
			// as such rather than failing the whole send.
			s.logger.Warn("failed to attach file", zap.Error(err),
				zap.String("message_id", m.ID), zap.String("file", u.file.Name))
			continue
		}
		res.Attachments = append(res.Attachments, *a)
	}
	return res, nil
}

func (s *Sender) publish(kind string, evt SendEvent) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: evt})
}

func attachmentSummary(files []File) string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	return "📎 " + strings.Join(names, ", ")
}
