package remote

import (
	"errors"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotFound         = errors.New("not found")
	ErrNotAMember       = errors.New("not a member")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("conflict")
	ErrTransient        = errors.New("transient failure")
)

var kinds = []error{
	ErrNotAuthenticated,
	ErrNotFound,
	ErrNotAMember,
	ErrForbidden,
	ErrConflict,
	ErrTransient,
}

// Error is a classified failure of a remote store operation.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// E builds a classified error. err may be nil.
func E(op string, kind error, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the kind sentinel err matches, or nil when unclassified.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// UserMessage renders err as the text of a user-facing notification.
func UserMessage(err error) string {
	switch KindOf(err) {
	case ErrNotAuthenticated:
		return "You need to sign in first."
	case ErrNotFound:
		return "That conversation or message no longer exists."
	case ErrNotAMember:
		return "You are not a member of this team."
	case ErrForbidden:
		return "You are not allowed to do that."
	case ErrConflict:
		return "That already exists."
	case ErrTransient:
		return "Network problem, please try again."
	}
	if err == nil {
		return ""
	}
	return "Something went wrong: " + err.Error()
}
