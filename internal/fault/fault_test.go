package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("no such vault")
	err := New(NotFound, base)

	if KindOf(err) != NotFound {
		t.Errorf("expected NotFound, got %v", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error must unwrap to the original")
	}

	// Kind survives further wrapping.
	wrapped := fmt.Errorf("join: %w", err)
	if KindOf(wrapped) != NotFound {
		t.Errorf("expected NotFound through wrapping, got %v", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != Internal {
		t.Error("unclassified errors default to Internal")
	}
}

func TestNewNil(t *testing.T) {
	if New(Invalid, nil) != nil {
		t.Error("New(kind, nil) must return nil")
	}
}

func TestIsKind(t *testing.T) {
	err := Newf(Forbidden, "role %s cannot write", "viewer")
	if !IsKind(err, Forbidden) {
		t.Error("expected Forbidden")
	}
	if IsKind(err, NotFound) {
		t.Error("kind must not match a different kind")
	}
	if IsKind(nil, Internal) {
		t.Error("nil is never a kind")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Internal:     "internal",
		Unauthorized: "unauthorized",
		Forbidden:    "forbidden",
		NotFound:     "not-found",
		Conflict:     "conflict",
		Invalid:      "invalid",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("%d: expected %q, got %q", kind, want, got)
		}
	}
}
