package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesFieldsAndCause(t *testing.T) {
	err := New(
		"node",
		CodeConnection,
		WithMessage("data client connect failed"),
		WithField("service", "feedd"),
		WithField("address", "10.0.0.7:5557"),
		WithCause(errors.New("dial tcp: connection refused")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=node") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=connection") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	expectedFields := "fields=address=\"10.0.0.7:5557\",service=\"feedd\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "cause=\"dial tcp: connection refused\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestErrorFormattingDefaultsUnknownMarkers(t *testing.T) {
	err := New("  ", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") {
		t.Fatalf("expected unknown component marker: %s", out)
	}
	if !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown code marker: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("config", CodeConfig, WithField("   ", "dropped"), WithField("path", "config.json"))
	if len(err.Fields) != 1 {
		t.Fatalf("expected a single retained field, got %d", len(err.Fields))
	}
	if err.Fields["path"] != "config.json" {
		t.Fatalf("expected path field to survive, got %q", err.Fields["path"])
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("messaging", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
}

func TestCodeOfWalksWrappedEnvelopes(t *testing.T) {
	inner := New("eventstore", CodeStore, WithMessage("append failed"))
	wrapped := fmt.Errorf("persist event: %w", inner)
	if got := CodeOf(wrapped); got != CodeStore {
		t.Fatalf("expected store code, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeInvalid {
		t.Fatalf("expected invalid_request fallback, got %q", got)
	}
}

func TestHasCode(t *testing.T) {
	err := New("node", CodeState, WithMessage("node already disposed"))
	if !HasCode(err, CodeState) {
		t.Fatalf("expected state code match")
	}
	if HasCode(err, CodeConnection) {
		t.Fatalf("unexpected connection code match")
	}
	if HasCode(errors.New("plain"), CodeState) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
