package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := NotFound("approval %s not found", "a1")
	wrapped := fmt.Errorf("while deciding: %w", base)
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("CodeOf(wrapped) = %s", CodeOf(wrapped))
	}
	if CodeOf(errors.New("plain")) != CodeInternal {
		t.Fatalf("plain error should map to internal")
	}
	if !Is(wrapped, CodeNotFound) {
		t.Fatalf("Is failed on wrapped error")
	}
}

func TestRetryablePolicy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{Transient(errors.New("conn reset")), true},
		{Execution("downstream 503"), true},
		{errors.New("plain"), true},
		{Terminal(errors.New("cannot apply")), false},
		{Validation("bad payload"), false},
		{NotFound("gone"), false},
		{Forbidden("nope"), false},
		{InvalidState("already decided"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("bad"), http.StatusBadRequest},
		{Forbidden("no"), http.StatusForbidden},
		{NotFound("gone"), http.StatusNotFound},
		{InvalidState("raced"), http.StatusConflict},
		{Execution("broke"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("HTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorStringsCarryCodeAndCause(t *testing.T) {
	err := Terminal(errors.New("schema drift"))
	if err.Error() != "terminal_error: terminal failure: schema drift" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatalf("cause not reachable via Unwrap")
	}
}
