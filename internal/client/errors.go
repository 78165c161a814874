package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// AuthError means the panel rejected the credentials. It stays fatal for
// that server until its credentials are updated.
type AuthError struct {
	ServerID int64
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("panel %d: authentication failed: %s", e.ServerID, e.Reason)
}

// SessionError means the panel still refused the session after one
// re-authentication.
type SessionError struct {
	ServerID   int64
	StatusCode int
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("panel %d: session rejected with status %d after re-authentication", e.ServerID, e.StatusCode)
}

// PanelUnreachableError covers network failures, timeouts and 5xx answers.
type PanelUnreachableError struct {
	ServerID int64
	Op       string
	Err      error
}

func (e *PanelUnreachableError) Error() string {
	return fmt.Sprintf("panel %d: %s: unreachable: %v", e.ServerID, e.Op, e.Err)
}

func (e *PanelUnreachableError) Unwrap() error { return e.Err }

// ValidationError is a malformed, failed or unexpected panel answer.
type ValidationError struct {
	Op         string
	StatusCode int
	// Msg is the panel's own message when it sent one
	Msg    string
	Reason string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

// IsNotFound reports whether the panel said the target does not exist.
func IsNotFound(err error) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	if ve.StatusCode == http.StatusNotFound {
		return true
	}
	msg := strings.ToLower(ve.Msg)
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not exist") ||
		strings.Contains(msg, "no client")
}

// IsDuplicate reports whether the panel refused a client because its
// email or id is already taken.
func IsDuplicate(err error) bool {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return false
	}
	msg := strings.ToLower(ve.Msg)
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already exist")
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	var unreachable *PanelUnreachableError
	var session *SessionError
	return errors.As(err, &unreachable) || errors.As(err, &session)
}
