package api

import (
	"context"
	"sort"

	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/model"
	"github.com/matheus3301/huddle/internal/normalize"
	"github.com/matheus3301/huddle/internal/receipts"
	"google.golang.org/grpc"
)

// Active reports the open conversation.
type Active interface {
	Active() (model.Conversation, model.User, bool)
}

// ProfileLookup resolves user ids to profiles.
type ProfileLookup interface {
	Profiles(ctx context.Context, userIDs []string) ([]model.Profile, error)
}

// Typist is the typing debounce controller.
type Typist interface {
	StartTyping()
	StopTyping()
	Typing() bool
	TypingUsers() []string
}

// TypingService forwards keystrokes and lists who is typing.
type TypingService struct {
	active   Active
	typist   Typist
	profiles ProfileLookup
}

func NewTypingService(active Active, typist Typist, profiles ProfileLookup) *TypingService {
	return &TypingService{active: active, typist: typist, profiles: profiles}
}

// Desc returns the service descriptor bound to s.
func (s *TypingService) Desc() *grpc.ServiceDesc {
	n := TypingServiceName
	return serviceDesc(n, []grpc.MethodDesc{
		unary(n, "Start", s.Start),
		unary(n, "Stop", s.Stop),
		unary(n, "List", s.List),
	})
}

// Start is called on every keystroke; the controller coalesces them.
func (s *TypingService) Start(_ context.Context, _ *Empty) (*Empty, error) {
	if _, _, ok := s.active.Active(); !ok {
		return nil, conversation.ErrNoConversation
	}
	s.typist.StartTyping()
	return &Empty{}, nil
}

func (s *TypingService) Stop(_ context.Context, _ *Empty) (*Empty, error) {
	s.typist.StopTyping()
	return &Empty{}, nil
}

func (s *TypingService) List(ctx context.Context, _ *Empty) (*TypingResponse, error) {
	conv, _, ok := s.active.Active()
	if !ok {
		return &TypingResponse{Users: []model.UserStub{}}, nil
	}
	ids := s.typist.TypingUsers()
	resp := &TypingResponse{ConversationID: conv.ID, Typing: s.typist.Typing(), Users: make([]model.UserStub, 0, len(ids))}
	if len(ids) == 0 {
		return resp, nil
	}
	profiles, err := s.profiles.Profiles(ctx, ids)
	if err != nil {
		return nil, err
	}
	dir := normalize.NewDirectory(profiles)
	for _, id := range ids {
		resp.Users = append(resp.Users, dir.Stub(id))
	}
	return resp, nil
}

// StatusSetter is the presence heartbeat controller.
type StatusSetter interface {
	SetStatus(ctx context.Context, st model.Status) error
	PresenceMap() map[string]model.Presence
}

// PresenceService sets the local status and lists everyone's presence.
type PresenceService struct {
	presence StatusSetter
}

func NewPresenceService(p StatusSetter) *PresenceService {
	return &PresenceService{presence: p}
}

// Desc returns the service descriptor bound to s.
func (s *PresenceService) Desc() *grpc.ServiceDesc {
	n := PresenceServiceName
	return serviceDesc(n, []grpc.MethodDesc{
		unary(n, "SetStatus", s.SetStatus),
		unary(n, "List", s.List),
	})
}

func (s *PresenceService) SetStatus(ctx context.Context, req *SetStatusRequest) (*Empty, error) {
	st, err := model.ParseStatus(req.Status)
	if err != nil {
		return nil, invalid("%v", err)
	}
	return &Empty{}, s.presence.SetStatus(ctx, st)
}

func (s *PresenceService) List(_ context.Context, _ *Empty) (*PresenceResponse, error) {
	m := s.presence.PresenceMap()
	out := make([]model.Presence, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return &PresenceResponse{Presence: out}, nil
}

// Tracker is the read-receipt tracker.
type Tracker interface {
	OnMessageVisible(messageID string)
	OnMessageHidden(messageID string)
	ReadBy(messageID string) []receipts.Cluster
}

// ReceiptsService reports viewport changes and read-by clusters.
type ReceiptsService struct {
	active  Active
	tracker Tracker
}

func NewReceiptsService(active Active, t Tracker) *ReceiptsService {
	return &ReceiptsService{active: active, tracker: t}
}

// Desc returns the service descriptor bound to s.
func (s *ReceiptsService) Desc() *grpc.ServiceDesc {
	n := ReceiptsServiceName
	return serviceDesc(n, []grpc.MethodDesc{
		unary(n, "Visible", s.Visible),
		unary(n, "Hidden", s.Hidden),
		unary(n, "ReadBy", s.ReadBy),
	})
}

func (s *ReceiptsService) Visible(_ context.Context, req *VisibilityRequest) (*Empty, error) {
	if _, _, ok := s.active.Active(); !ok {
		return nil, conversation.ErrNoConversation
	}
	for _, id := range req.MessageIDs {
		s.tracker.OnMessageVisible(id)
	}
	return &Empty{}, nil
}

func (s *ReceiptsService) Hidden(_ context.Context, req *VisibilityRequest) (*Empty, error) {
	for _, id := range req.MessageIDs {
		s.tracker.OnMessageHidden(id)
	}
	return &Empty{}, nil
}

func (s *ReceiptsService) ReadBy(_ context.Context, req *MessageRequest) (*ReadByResponse, error) {
	if _, _, ok := s.active.Active(); !ok {
		return nil, conversation.ErrNoConversation
	}
	clusters := s.tracker.ReadBy(req.MessageID)
	if clusters == nil {
		clusters = []receipts.Cluster{}
	}
	return &ReadByResponse{MessageID: req.MessageID, Clusters: clusters}, nil
}

// Services bundles every API service for registration.
type Services struct {
	Session      *SessionService
	Conversation *ConversationService
	Typing       *TypingService
	Presence     *PresenceService
	Receipts     *ReceiptsService
}

// Register adds every service to srv.
func (s *Services) Register(srv *grpc.Server) {
	srv.RegisterService(s.Session.Desc(), s.Session)
	srv.RegisterService(s.Conversation.Desc(), s.Conversation)
	srv.RegisterService(s.Typing.Desc(), s.Typing)
	srv.RegisterService(s.Presence.Desc(), s.Presence)
	srv.RegisterService(s.Receipts.Desc(), s.Receipts)
}
