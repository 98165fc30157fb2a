// Package apperr defines the error taxonomy shared by the backend port, the
// session engine, and the HTTP/MCP boundaries.
//
// Every error that crosses a package boundary carries a Code so callers can
// map it consistently (HTTP status, MCP tool error, CLI exit message) without
// parsing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
)

// Code classifies an error.
type Code string

const (
	NotFound         Code = "NOT_FOUND"
	AlreadyExists    Code = "ALREADY_EXISTS"
	Conflict         Code = "CONFLICT"
	InvalidInput     Code = "INVALID_INPUT"
	PermissionDenied Code = "PERMISSION_DENIED"
	Locked           Code = "LOCKED"
	Timeout          Code = "TIMEOUT"
	Unavailable      Code = "UNAVAILABLE"
	RateLimited      Code = "RATE_LIMITED"
	Unsupported      Code = "UNSUPPORTED"
	Internal         Code = "INTERNAL"
)

// ErrDegraded marks a read that kept failing past the transient-failure
// suppression window.
var ErrDegraded = errors.New("backend degraded")

// Error is a classified error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return strings.ToLower(string(e.Code))
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted message.
func New(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap classifies err. A nil err returns nil.
func Wrap(code Code, err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, a...), Err: err}
}

// CodeOf returns the code of the outermost classified error in err's chain.
// Context errors map to TIMEOUT; anything else unclassified is INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to the status the API returns for it.
func HTTPStatus(code Code) int {
	switch code {
	case NotFound:
		return http.StatusNotFound
	case AlreadyExists, Conflict:
		return http.StatusConflict
	case InvalidInput:
		return http.StatusBadRequest
	case PermissionDenied:
		return http.StatusForbidden
	case Locked:
		return http.StatusLocked
	case Timeout:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	case Unsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// classification rules for external tracker process failures, checked in order.
var rules = []struct {
	code     Code
	needles  []string
	guidance string
}{
	{PermissionDenied, []string{"not authenticated", "authentication failed", "unauthorized", "permission denied", "login required"},
		"tracker CLI is not authenticated; log in with the tracker CLI and retry"},
	{NotFound, []string{"chdir", "no such file or directory"},
		"repository path no longer exists; the checkout may have been deleted"},
	{Locked, []string{"database is locked", "lock held", "locked by another", "resource busy"},
		"tracker state is locked by another process"},
	{RateLimited, []string{"rate limit", "too many requests"}, ""},
	{AlreadyExists, []string{"already exists", "duplicate"}, ""},
	{NotFound, []string{"not found", "no issue", "unknown issue"}, ""},
	{InvalidInput, []string{"invalid", "unknown flag", "usage:"}, ""},
}

// Classify converts a failed external command into a classified error.
// stderr is the process's diagnostic output; it may be empty.
func Classify(err error, stderr string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: Timeout, Message: "tracker command timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &Error{Code: Unavailable, Message: "tracker CLI not installed or not on PATH; install it or set backend.command", Err: err}
	}

	text := strings.ToLower(stderr + " " + err.Error())
	for _, r := range rules {
		for _, n := range r.needles {
			if strings.Contains(text, n) {
				msg := r.guidance
				if msg == "" {
					msg = firstLine(stderr)
				}
				return &Error{Code: r.code, Message: msg, Err: err}
			}
		}
	}
	msg := firstLine(stderr)
	if msg == "" {
		msg = "tracker command failed"
	}
	return &Error{Code: Internal, Message: msg, Err: err}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
