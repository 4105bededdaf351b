package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keephost/keephost/internal/bodyparse"
)

// Kind is the tagged sum type error.md §9 calls for in place of the
// source's throw-for-control-flow pattern.
type Kind string

const (
	KindBadRequest         Kind = "BAD_REQUEST"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindNotFound           Kind = "NOT_FOUND"
	KindMethodNotAllowed   Kind = "METHOD_NOT_ALLOWED"
	KindPayloadTooLarge    Kind = "PAYLOAD_TOO_LARGE"
	KindNotImplemented     Kind = "NOT_IMPLEMENTED"
	KindInternal           Kind = "INTERNAL"
	KindHTTPStatus         Kind = "HTTP_STATUS" // bare status code, no envelope semantics
)

// Error is a route handler's error result: {code, msg, detail?} per
// spec.md §4.5 "Error funnel".
type Error struct {
	Kind   Kind
	Code   int
	Msg    string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s)", e.Msg, e.Detail)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// BadRequest builds a 400 error: "malformed request" (spec.md §7).
func BadRequest(msg string) *Error { return newErr(KindBadRequest, http.StatusBadRequest, msg) }

// Unauthorized builds a 401 error: authentication failure or denied authz.
func Unauthorized(msg string) *Error {
	return newErr(KindUnauthorized, http.StatusUnauthorized, msg)
}

// Forbidden builds a 403 error.
func Forbidden(msg string) *Error { return newErr(KindForbidden, http.StatusForbidden, msg) }

// NotFound builds a 404 error.
func NotFound(msg string) *Error { return newErr(KindNotFound, http.StatusNotFound, msg) }

// MethodNotAllowed builds a 405 error.
func MethodNotAllowed(msg string) *Error {
	return newErr(KindMethodNotAllowed, http.StatusMethodNotAllowed, msg)
}

// PayloadTooLarge builds a 413 error.
func PayloadTooLarge(msg string) *Error {
	return newErr(KindPayloadTooLarge, http.StatusRequestEntityTooLarge, msg)
}

// NotImplemented builds a 501 error: unknown content-type, unmounted
// ApiWare prefix.
func NotImplemented(msg string) *Error {
	return newErr(KindNotImplemented, http.StatusNotImplemented, msg)
}

// Internal builds a 500 error, wrapping cause for server-side logging only
// — cause is never sent to the client.
func Internal(msg string, cause error) *Error {
	e := newErr(KindInternal, http.StatusInternalServerError, msg)
	e.Cause = cause
	return e
}

// StatusOnly builds a bare-status error with no message body — used for
// "non-error codes <400 emit a status-only response" and redirects.
func StatusOnly(code int) *Error { return &Error{Kind: KindHTTPStatus, Code: code} }

// WithDetail attaches an optional detail string (spec.md envelope's
// "detail?" field).
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// envelope is the canonical JSON error payload (spec.md §6 "Error
// envelope").
type envelope struct {
	Error  bool   `json:"error"`
	Code   int    `json:"code"`
	Msg    string `json:"msg,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// AsError unwraps err into a *Error. BodyParse's sentinels are translated to
// their contractual status codes (spec.md invariant 11 / scenario S6: an
// over-ceiling upload is 413, not 500; spec.md §4.4/§7: an unrecognized
// content-type is 501, not 500) — every other error defaults to 500 Internal.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, bodyparse.ErrPayloadTooLarge):
		return PayloadTooLarge(err.Error())
	case errors.Is(err, bodyparse.ErrNotImplemented):
		return NotImplemented(err.Error())
	}
	return Internal("internal error", err)
}
