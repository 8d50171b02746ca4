package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	err := fmt.Errorf("request export: %w", NotFound("query %s not found", "abc"))
	if got := KindOf(err); got != KindNotFound {
		t.Fatalf("KindOf() = %v", got)
	}
	if got := Message(err); got != "query abc not found" {
		t.Fatalf("Message() = %q", got)
	}
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream(cause, "cache unavailable")
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if KindOf(err) != KindUpstream {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
	if Message(err) != "cache unavailable" {
		t.Fatalf("Message() = %q", Message(err))
	}
	if err.Error() != "cache unavailable: connection refused" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestUnclassifiedError(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindUnknown {
		t.Fatalf("KindOf() = %v", KindOf(err))
	}
	if Message(err) != "internal error" {
		t.Fatalf("Message() = %q", Message(err))
	}
	if KindUnknown.String() != "internal_error" || KindInvalidInput.String() != "invalid_input" {
		t.Fatal("unexpected kind names")
	}
}
