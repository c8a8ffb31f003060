package remote

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed")
	err := fmt.Errorf("add reaction: %w", E("insert reaction", ErrConflict, cause))

	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) = false")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if errors.Is(err, ErrForbidden) {
		t.Error("errors.Is(err, ErrForbidden) = true")
	}
	if got := err.Error(); !strings.Contains(got, "insert reaction: conflict: UNIQUE") {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"sentinel", ErrNotFound, ErrNotFound},
		{"classified", E("load", ErrNotAMember, nil), ErrNotAMember},
		{"wrapped", fmt.Errorf("x: %w", E("edit", ErrForbidden, nil)), ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUserMessage(t *testing.T) {
	if got := UserMessage(E("edit", ErrForbidden, nil)); got != "You are not allowed to do that." {
		t.Errorf("UserMessage(forbidden) = %q", got)
	}
	if got := UserMessage(errors.New("disk full")); !strings.Contains(got, "disk full") {
		t.Errorf("UserMessage(plain) = %q", got)
	}
	if got := UserMessage(nil); got != "" {
		t.Errorf("UserMessage(nil) = %q, want empty", got)
	}
}

func TestFilterMatch(t *testing.T) {
	c := Change{Table: TableMessages, Op: OpInsert, ConversationID: "c1", UserID: "u1"}
	tests := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{ConversationID: "c1"}, true},
		{Filter{ConversationID: "c2"}, false},
		{Filter{UserID: "u1"}, true},
		{Filter{ConversationID: "c1", UserID: "u2"}, false},
	}
	for _, tt := range tests {
		if got := tt.f.Match(c); got != tt.want {
			t.Errorf("%+v.Match() = %v, want %v", tt.f, got, tt.want)
		}
	}
	if Topic(TableMessages, OpInsert) != "remote.messages.insert" {
		t.Errorf("Topic() = %q", Topic(TableMessages, OpInsert))
	}
}
