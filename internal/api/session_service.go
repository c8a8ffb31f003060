package api

import (
	"context"
	"strings"
	"time"

	"github.com/matheus3301/huddle/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Account is the signed-in identity of the remote store client.
type Account interface {
	SignIn(ctx context.Context, email string) (*model.User, error)
	SignOut()
	CurrentUser(ctx context.Context) (*model.User, error)
	UpdateProfile(ctx context.Context, displayName, avatarURL string) error
}

// Heartbeat announces the local user's presence while signed in.
type Heartbeat interface {
	Start(ctx context.Context, userID string)
	Stop()
	Current() model.Status
}

// OpenConversation exposes the conversation the daemon currently holds.
type OpenConversation interface {
	Active() (model.Conversation, model.User, bool)
	Messages() []model.MessageView
	Close()
}

// SessionService reports daemon status and switches the signed-in user.
type SessionService struct {
	profile   string
	startedAt time.Time
	account   Account
	conv      OpenConversation
	heartbeat Heartbeat
	logger    *zap.Logger
}

// NewSessionService creates a new session service.
func NewSessionService(profile string, account Account, conv OpenConversation, hb Heartbeat, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		account:   account,
		conv:      conv,
		heartbeat: hb,
		logger:    logger,
	}
}

// Desc returns the service descriptor bound to s.
func (s *SessionService) Desc() *grpc.ServiceDesc {
	return serviceDesc(SessionServiceName, []grpc.MethodDesc{
		unary(SessionServiceName, "Status", s.Status),
		unary(SessionServiceName, "SignIn", s.SignIn),
		unary(SessionServiceName, "SignOut", s.SignOut),
	})
}

func (s *SessionService) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:  s.profile,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	u, err := s.account.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if u != nil {
		resp.SignedIn = true
		resp.UserID, resp.Email = u.ID, u.Email
		resp.Presence = s.heartbeat.Current()
	}
	if conv, _, ok := s.conv.Active(); ok {
		resp.ConversationID = conv.ID
		resp.ConversationName = conv.Name
		resp.Messages = len(s.conv.Messages())
	}
	return resp, nil
}

// SignIn switches the daemon to the user registered under the email. The
// open conversation of a previous user is closed.
func (s *SessionService) SignIn(ctx context.Context, req *SignInRequest) (*SignInResponse, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return nil, invalid("email is required")
	}

	prev, err := s.account.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if prev != nil && !strings.EqualFold(prev.Email, email) {
		s.conv.Close()
		s.heartbeat.Stop()
	}

	u, err := s.account.SignIn(ctx, email)
	if err != nil {
		return nil, err
	}
	if req.DisplayName != "" {
		if err := s.account.UpdateProfile(ctx, req.DisplayName, ""); err != nil {
			return nil, err
		}
	}
	s.heartbeat.Start(ctx, u.ID)
	s.logger.Info("signed in", zap.String("user_id", u.ID))
	return &SignInResponse{UserID: u.ID, Email: u.Email}, nil
}

// SignOut announces offline, closes the conversation and drops the identity.
func (s *SessionService) SignOut(_ context.Context, _ *Empty) (*Empty, error) {
	s.heartbeat.Stop()
	s.conv.Close()
	s.account.SignOut()
	s.logger.Info("signed out")
	return &Empty{}, nil
}
