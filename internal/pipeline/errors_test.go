package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/keephost/keephost/internal/bodyparse"
)

func TestErrorConstructorsSetCode(t *testing.T) {
	cases := []struct {
		err  *Error
		code int
	}{
		{BadRequest("x"), http.StatusBadRequest},
		{Unauthorized("x"), http.StatusUnauthorized},
		{Forbidden("x"), http.StatusForbidden},
		{NotFound("x"), http.StatusNotFound},
		{MethodNotAllowed("x"), http.StatusMethodNotAllowed},
		{PayloadTooLarge("x"), http.StatusRequestEntityTooLarge},
		{NotImplemented("x"), http.StatusNotImplemented},
		{Internal("x", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("expected code %d, got %d", tc.code, tc.err.Code)
		}
	}
}

func TestErrorWithDetailDoesNotMutateOriginal(t *testing.T) {
	base := NotFound("missing")
	withDetail := base.WithDetail("no such recipe")

	if base.Detail != "" {
		t.Errorf("expected original Detail to stay empty, got %q", base.Detail)
	}
	if withDetail.Detail != "no such recipe" {
		t.Errorf("unexpected detail: %q", withDetail.Detail)
	}
}

func TestAsErrorPassesThroughPipelineError(t *testing.T) {
	orig := Forbidden("nope")
	got := AsError(orig)
	if got != orig {
		t.Errorf("expected same *Error instance back")
	}
}

func TestAsErrorWrapsUnknownError(t *testing.T) {
	got := AsError(errors.New("boom"))
	if got.Kind != KindInternal || got.Code != http.StatusInternalServerError {
		t.Errorf("expected wrapped internal error, got %+v", got)
	}
}

func TestAsErrorTranslatesPayloadTooLarge(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", bodyparse.ErrPayloadTooLarge)
	got := AsError(wrapped)
	if got.Kind != KindPayloadTooLarge || got.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 PayloadTooLarge, got %+v", got)
	}
}

func TestAsErrorTranslatesNotImplemented(t *testing.T) {
	wrapped := fmt.Errorf("%w: application/x-bogus", bodyparse.ErrNotImplemented)
	got := AsError(wrapped)
	if got.Kind != KindNotImplemented || got.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 NotImplemented, got %+v", got)
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := Internal("failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Errorf("expected errors.Is to find cause via Unwrap")
	}
}
