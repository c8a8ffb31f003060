package api

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/outbox"
	"google.golang.org/grpc"
)

// Conversation is the state store of the open conversation.
type Conversation interface {
	Open(ctx context.Context, id string) error
	Close()
	Active() (model.Conversation, model.User, bool)
	Messages() []model.MessageView
	SendMessage(ctx context.Context, d outbox.Draft) (model.MessageView, error)
	ReplyTo(ctx context.Context, parentID, content string) (model.MessageView, error)
	ResendMessage(ctx context.Context, clientID string) (model.MessageView, error)
	EditMessage(ctx context.Context, id, content string) error
	DeleteMessage(ctx context.Context, id string) error
	PinMessage(ctx context.Context, id string, pinned bool) error
	AddReaction(ctx context.Context, messageID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, emoji string) error
}

// watchNamespaces are the bus namespaces streamed to watchers. The remote
// change feed on the same bus is internal and never streamed.
var watchNamespaces = []string{"conversation.", "message.", "typing.", "presence."}

const watchBuffer = 256

// ConversationService exposes the open conversation and its actions.
type ConversationService struct {
	profile string
	conv    Conversation
	bus     *bus.Bus
}

// NewConversationService creates a new conversation service.
func NewConversationService(profile string, conv Conversation, b *bus.Bus) *ConversationService {
	return &ConversationService{profile: profile, conv: conv, bus: b}
}

// Desc returns the service descriptor bound to s.
func (s *ConversationService) Desc() *grpc.ServiceDesc {
	n := ConversationServiceName
	return serviceDesc(n, []grpc.MethodDesc{
		unary(n, "Open", s.Open),
		unary(n, "Close", s.Close),
		unary(n, "List", s.List),
		unary(n, "Send", s.Send),
		unary(n, "Reply", s.Reply),
		unary(n, "Resend", s.Resend),
		unary(n, "Edit", s.Edit),
		unary(n, "Delete", s.Delete),
		unary(n, "Pin", s.Pin),
		unary(n, "React", s.React),
		unary(n, "Unreact", s.Unreact),
	}, serverStream("Watch", s.Watch))
}

func (s *ConversationService) Open(ctx context.Context, req *OpenRequest) (*ConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, invalid("conversation_id is required")
	}
	if err := s.conv.Open(ctx, req.ConversationID); err != nil {
		return nil, err
	}
	return s.snapshot()
}

func (s *ConversationService) snapshot() (*ConversationResponse, error) {
	conv, _, ok := s.conv.Active()
	if !ok {
		// Replaced by a newer Open before this one returned.
		return &ConversationResponse{}, nil
	}
	return &ConversationResponse{
		ConversationID: conv.ID,
		Name:           conv.Name,
		TeamID:         conv.TeamID,
		Messages:       s.conv.Messages(),
	}, nil
}

func (s *ConversationService) Close(_ context.Context, _ *Empty) (*Empty, error) {
	s.conv.Close()
	return &Empty{}, nil
}

func (s *ConversationService) List(_ context.Context, _ *Empty) (*MessagesResponse, error) {
	return &MessagesResponse{Messages: s.conv.Messages()}, nil
}

func (s *ConversationService) Send(ctx context.Context, req *SendRequest) (*MessageResponse, error) {
	d := outbox.Draft{Content: req.Content, ReplyToID: req.ReplyToID}
	for _, f := range req.Files {
		d.Files = append(d.Files, outbox.File{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
	}
	v, err := s.conv.SendMessage(ctx, d)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: v}, nil
}

func (s *ConversationService) Reply(ctx context.Context, req *ReplyRequest) (*MessageResponse, error) {
	if req.ParentID == "" {
		return nil, invalid("parent_id is required")
	}
	v, err := s.conv.ReplyTo(ctx, req.ParentID, req.Content)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: v}, nil
}

func (s *ConversationService) Resend(ctx context.Context, req *ResendRequest) (*MessageResponse, error) {
	v, err := s.conv.ResendMessage(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	return &MessageResponse{Message: v}, nil
}

func (s *ConversationService) Edit(ctx context.Context, req *EditRequest) (*Empty, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid("content is required")
	}
	return &Empty{}, s.conv.EditMessage(ctx, req.MessageID, req.Content)
}

func (s *ConversationService) Delete(ctx context.Context, req *MessageRequest) (*Empty, error) {
	return &Empty{}, s.conv.DeleteMessage(ctx, req.MessageID)
}

func (s *ConversationService) Pin(ctx context.Context, req *PinRequest) (*Empty, error) {
	return &Empty{}, s.conv.PinMessage(ctx, req.MessageID, req.Pinned)
}

func (s *ConversationService) React(ctx context.Context, req *ReactionRequest) (*Empty, error) {
	if req.Emoji == "" {
		return nil, invalid("emoji is required")
	}
	return &Empty{}, s.conv.AddReaction(ctx, req.MessageID, req.Emoji)
}

func (s *ConversationService) Unreact(ctx context.Context, req *ReactionRequest) (*Empty, error) {
	if req.Emoji == "" {
		return nil, invalid("emoji is required")
	}
	return &Empty{}, s.conv.RemoveReaction(ctx, req.MessageID, req.Emoji)
}

// Watch streams state events until the client goes away.
func (s *ConversationService) Watch(ctx context.Context, req *WatchRequest, send func(*Event) error) error {
	events := make(chan bus.Event, watchBuffer)
	for _, ns := range watchNamespaces {
		if !wanted(ns, req.Prefixes) {
			continue
		}
		stop := s.bus.Handle(ns, watchBuffer, func(evt bus.Event) {
			select {
			case events <- evt:
			case <-ctx.Done():
			}
		})
		defer stop()
	}

	for {
		select {
		case evt := <-events:
			if !matches(evt.Kind, req.Prefixes) {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				payload = nil
			}
			ts := evt.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if err := send(&Event{
				ID:               uuid.NewString(),
				Profile:          s.profile,
				Kind:             evt.Kind,
				OccurredAtUnixMs: ts.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// wanted reports whether namespace ns can produce an event under one of
// the prefixes.
func wanted(ns string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(ns, p) || strings.HasPrefix(p, ns) {
			return true
		}
	}
	return false
}

func matches(kind string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}
