// Package client talks to a running huddled over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/matheus3301/huddle/internal/api"
	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/remote"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
)

// ErrRateLimited is returned when the daemon throttled a user action.
var ErrRateLimited = errors.New("rate limited")

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, service, method string, req, resp any) error {
	if err := c.conn.Invoke(ctx, api.FullMethod(service, method), req, resp); err != nil {
		return fromStatus(method, err)
	}
	return nil
}

// fromStatus turns a gRPC status back into the domain error it came from,
// so callers can use errors.Is with the remote and conversation sentinels.
func fromStatus(op string, err error) error {
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return err
	}
	cause := errors.New(st.Message())
	var kind error
	switch st.Code() {
	case codes.Unauthenticated:
		kind = remote.ErrNotAuthenticated
	case codes.NotFound:
		kind = remote.ErrNotFound
	case codes.PermissionDenied:
		kind = remote.ErrForbidden
		if strings.Contains(st.Message(), remote.ErrNotAMember.Error()) {
			kind = remote.ErrNotAMember
		}
	case codes.AlreadyExists:
		kind = remote.ErrConflict
	case codes.Unavailable:
		kind = remote.ErrTransient
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", op, conversation.ErrNoConversation)
	case codes.Aborted:
		return fmt.Errorf("%s: %w", op, conversation.ErrStale)
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w", op, ErrRateLimited)
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
	return remote.E(op, kind, cause)
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	return &resp, c.invoke(ctx, api.SessionServiceName, "Status", &api.Empty{}, &resp)
}

func (c *Client) SignIn(ctx context.Context, email, displayName string) (*api.SignInResponse, error) {
	var resp api.SignInResponse
	return &resp, c.invoke(ctx, api.SessionServiceName, "SignIn", &api.SignInRequest{Email: email, DisplayName: displayName}, &resp)
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.invoke(ctx, api.SessionServiceName, "SignOut", &api.Empty{}, &api.Empty{})
}

func (c *Client) Open(ctx context.Context, conversationID string) (*api.ConversationResponse, error) {
	var resp api.ConversationResponse
	return &resp, c.invoke(ctx, api.ConversationServiceName, "Open", &api.OpenRequest{ConversationID: conversationID}, &resp)
}

func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, api.ConversationServiceName, "Close", &api.Empty{}, &api.Empty{})
}

func (c *Client) Messages(ctx context.Context) (*api.MessagesResponse, error) {
	var resp api.MessagesResponse
	return &resp, c.invoke(ctx, api.ConversationServiceName, "List", &api.Empty{}, &resp)
}

func (c *Client) Send(ctx context.Context, req *api.SendRequest) (*api.MessageResponse, error) {
	var resp api.MessageResponse
	return &resp, c.invoke(ctx, api.ConversationServiceName, "Send", req, &resp)
}

func (c *Client) Reply(ctx context.Context, parentID, content string) (*api.MessageResponse, error) {
	var resp api.MessageResponse
	return &resp, c.invoke(ctx, api.ConversationServiceName, "Reply", &api.ReplyRequest{ParentID: parentID, Content: content}, &resp)
}

func (c *Client) Resend(ctx context.Context, clientID string) (*api.MessageResponse, error) {
	var resp api.MessageResponse
	return &resp, c.invoke(ctx, api.ConversationServiceName, "Resend", &api.ResendRequest{ClientID: clientID}, &resp)
}

func (c *Client) Edit(ctx context.Context, messageID, content string) error {
	return c.invoke(ctx, api.ConversationServiceName, "Edit", &api.EditRequest{MessageID: messageID, Content: content}, &api.Empty{})
}

func (c *Client) Delete(ctx context.Context, messageID string) error {
	return c.invoke(ctx, api.ConversationServiceName, "Delete", &api.MessageRequest{MessageID: messageID}, &api.Empty{})
}

func (c *Client) Pin(ctx context.Context, messageID string, pinned bool) error {
	return c.invoke(ctx, api.ConversationServiceName, "Pin", &api.PinRequest{MessageID: messageID, Pinned: pinned}, &api.Empty{})
}

func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	return c.invoke(ctx, api.ConversationServiceName, "React", &api.ReactionRequest{MessageID: messageID, Emoji: emoji}, &api.Empty{})
}

func (c *Client) Unreact(ctx context.Context, messageID, emoji string) error {
	return c.invoke(ctx, api.ConversationServiceName, "Unreact", &api.ReactionRequest{MessageID: messageID, Emoji: emoji}, &api.Empty{})
}

func (c *Client) StartTyping(ctx context.Context) error {
	return c.invoke(ctx, api.TypingServiceName, "Start", &api.Empty{}, &api.Empty{})
}

func (c *Client) StopTyping(ctx context.Context) error {
	return c.invoke(ctx, api.TypingServiceName, "Stop", &api.Empty{}, &api.Empty{})
}

func (c *Client) Typing(ctx context.Context) (*api.TypingResponse, error) {
	var resp api.TypingResponse
	return &resp, c.invoke(ctx, api.TypingServiceName, "List", &api.Empty{}, &resp)
}

func (c *Client) SetStatus(ctx context.Context, status string) error {
	return c.invoke(ctx, api.PresenceServiceName, "SetStatus", &api.SetStatusRequest{Status: status}, &api.Empty{})
}

func (c *Client) Presence(ctx context.Context) (*api.PresenceResponse, error) {
	var resp api.PresenceResponse
	return &resp, c.invoke(ctx, api.PresenceServiceName, "List", &api.Empty{}, &resp)
}

func (c *Client) Visible(ctx context.Context, messageIDs ...string) error {
	return c.invoke(ctx, api.ReceiptsServiceName, "Visible", &api.VisibilityRequest{MessageIDs: messageIDs}, &api.Empty{})
}

func (c *Client) Hidden(ctx context.Context, messageIDs ...string) error {
	return c.invoke(ctx, api.ReceiptsServiceName, "Hidden", &api.VisibilityRequest{MessageIDs: messageIDs}, &api.Empty{})
}

func (c *Client) ReadBy(ctx context.Context, messageID string) (*api.ReadByResponse, error) {
	var resp api.ReadByResponse
	return &resp, c.invoke(ctx, api.ReceiptsServiceName, "ReadBy", &api.MessageRequest{MessageID: messageID}, &resp)
}

var watchDesc = &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Watch streams state events to fn until ctx is done, the stream ends or
// fn returns an error.
func (c *Client) Watch(ctx context.Context, prefixes []string, fn func(*api.Event) error) error {
	stream, err := c.conn.NewStream(ctx, watchDesc, api.FullMethod(api.ConversationServiceName, "Watch"))
	if err != nil {
		return fromStatus("Watch", err)
	}
	if err := stream.SendMsg(&api.WatchRequest{Prefixes: prefixes}); err != nil {
		return fromStatus("Watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fromStatus("Watch", err)
	}
	for {
		var evt api.Event
		if err := stream.RecvMsg(&evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fromStatus("Watch", err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}
