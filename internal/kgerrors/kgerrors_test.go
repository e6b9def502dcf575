package kgerrors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := NewNotFound("resolve", "entity not in dataset").WithRef("Q42").WithDataset("wikidata")

	msg := err.Error()
	for _, want := range []string{"not_found", "resolve", "Q42", "wikidata"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(KindUpstreamUnavailable, "op", nil); got != nil {
		t.Errorf("Wrap(nil) = %v, expected nil", got)
	}
	if got := WrapUpstream(nil, "op", "msg"); got != nil {
		t.Errorf("WrapUpstream(nil) = %v, expected nil", got)
	}
}

func TestWrapCarriesCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := Wrap(KindUpstreamUnavailable, "catalog.list", cause).WithDataset("cities")

	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause reachable via errors.Is")
	}
	msg := err.Error()
	for _, want := range []string{"catalog.list", "cities", "disk I/O error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if strings.Contains(msg, ": :") {
		t.Errorf("Error() = %q, empty message should be elided", msg)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapUpstream(cause, "suggest", "engine query failed")

	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
}

func TestKindMatchingThroughWrapping(t *testing.T) {
	inner := NewDatasetNotReady("nearest", "frozen-set")
	outer := fmt.Errorf("query pipeline: %w", inner)

	if !IsDatasetNotReady(outer) {
		t.Error("IsDatasetNotReady should see through fmt.Errorf wrapping")
	}
	if IsNotFound(outer) {
		t.Error("IsNotFound should not match a dataset-not-ready error")
	}

	k, ok := KindOf(outer)
	if !ok || k != KindDatasetNotReady {
		t.Errorf("KindOf = (%v, %v), expected (%v, true)", k, ok, KindDatasetNotReady)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("KindOf should report false for untagged errors")
	}
}

func TestIsSentinelStyle(t *testing.T) {
	err := NewInvalidRequest("distance", "expected exactly two entities")

	if !errors.Is(err, &Error{Kind: KindInvalidRequest}) {
		t.Error("errors.Is should match on Kind")
	}
	if errors.Is(err, &Error{Kind: KindNotFound}) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestConstructorKinds(t *testing.T) {
	cases := []struct {
		err  *Error
		kind Kind
	}{
		{NewNotFound("op", "m"), KindNotFound},
		{NewDatasetNotReady("op", "ds"), KindDatasetNotReady},
		{NewInvalidRequest("op", "m"), KindInvalidRequest},
		{WrapUpstream(errors.New("x"), "op", "m"), KindUpstreamUnavailable},
		{Newf(KindNotFound, "op", "entity %q missing", "Q1"), KindNotFound},
	}
	for _, c := range cases {
		if c.err.Kind != c.kind {
			t.Errorf("constructor produced kind %v, expected %v", c.err.Kind, c.kind)
		}
	}
}
