package api

import (
	"context"
	"errors"

	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/remote"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Code maps a domain error to its gRPC status code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, conversation.ErrNoConversation):
		return codes.FailedPrecondition
	case errors.Is(err, conversation.ErrStale):
		return codes.Aborted
	case errors.Is(err, conversation.ErrNotFailed), errors.Is(err, outbox.ErrEmptyMessage):
		return codes.InvalidArgument
	}
	switch remote.KindOf(err) {
	case remote.ErrNotAuthenticated:
		return codes.Unauthenticated
	case remote.ErrNotFound:
		return codes.NotFound
	case remote.ErrNotAMember, remote.ErrForbidden:
		return codes.PermissionDenied
	case remote.ErrConflict:
		return codes.AlreadyExists
	case remote.ErrTransient:
		return codes.Unavailable
	}
	return codes.Internal
}

// toStatus converts err into a gRPC status error. Errors that already carry
// a status pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(Code(err), err.Error())
}

// invalid reports a malformed request.
func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}
