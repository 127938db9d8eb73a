// Package httperr defines the error taxonomy shared by the coordination
// engine and its HTTP handlers.
//
// Synchronous operations fail fast and return exactly one of these typed
// errors; batch operations (reaper sweeps, swap sweeps, rollback apply loops)
// isolate per-item failures and return a PartialFailure summary instead of
// aborting. Handlers map errors to status codes with Status and render them
// with Write.
package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Conflict reasons, carried so callers can tell "lock held by another party"
// from "wrong state for this transition" from "duplicate active assignment".
const (
	ReasonLockHeld            = "lock_held"
	ReasonWrongState          = "wrong_state"
	ReasonDuplicateAssignment = "duplicate_assignment"
)

// Validation is a 400: malformed or invalid input. Never retried.
type Validation struct {
	Msg string
}

func (e *Validation) Error() string { return e.Msg }

// Validationf builds a Validation error.
func Validationf(format string, args ...any) error {
	return &Validation{Msg: fmt.Sprintf(format, args...)}
}

// Authorization is a 403: the caller is not the expected actor.
type Authorization struct {
	Msg string
}

func (e *Authorization) Error() string { return e.Msg }

// Authorizationf builds an Authorization error.
func Authorizationf(format string, args ...any) error {
	return &Authorization{Msg: fmt.Sprintf(format, args...)}
}

// NotFound is a 404: the referenced lock, request, or log does not exist.
type NotFound struct {
	Msg string
}

func (e *NotFound) Error() string { return e.Msg }

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) error {
	return &NotFound{Msg: fmt.Sprintf(format, args...)}
}

// Conflict is a 409. Reason is one of the Reason* constants. A lock-held
// conflict is not retryable by the caller; a transient store error is.
type Conflict struct {
	Reason string
	Msg    string
}

func (e *Conflict) Error() string { return e.Msg }

// Conflictf builds a Conflict error with the given reason.
func Conflictf(reason, format string, args ...any) error {
	return &Conflict{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// Store is a 500: an unexpected backing-store failure, safe for the caller
// to retry. The underlying error is preserved for errors.Is/As chains.
type Store struct {
	Op  string
	Err error
}

func (e *Store) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Store) Unwrap() error { return e.Err }

// Storef wraps a backing-store error with the operation that failed.
func Storef(op string, err error) error {
	return &Store{Op: op, Err: err}
}

// ItemError is one failed item inside a batch operation.
type ItemError struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// PartialFailure is the aggregate result of a batch operation in which some
// items failed. It is a legitimate, reportable end state, not an abort:
// Succeeded counts the items that went through.
type PartialFailure struct {
	Op        string      `json:"op"`
	Succeeded int         `json:"succeeded"`
	Errors    []ItemError `json:"errors"`
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("%s: %d succeeded, %d failed", e.Op, e.Succeeded, len(e.Errors))
}

// IsConflict reports whether err is a Conflict with the given reason.
// An empty reason matches any conflict.
func IsConflict(err error, reason string) bool {
	var c *Conflict
	if !errors.As(err, &c) {
		return false
	}
	return reason == "" || c.Reason == reason
}

// Status maps an error to its HTTP status code. Unrecognized errors are
// treated as unexpected store failures (500).
func Status(err error) int {
	var (
		v  *Validation
		a  *Authorization
		nf *NotFound
		c  *Conflict
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &v):
		return http.StatusBadRequest
	case errors.As(err, &a):
		return http.StatusForbidden
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &c):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Write renders err as a JSON error response with the mapped status code.
// Internal errors are not echoed verbatim to the client.
func Write(w http.ResponseWriter, err error) {
	status := Status(err)

	body := errorBody{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	var c *Conflict
	if errors.As(err, &c) {
		body.Reason = c.Reason
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
