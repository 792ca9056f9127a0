// Package brokererr defines the broker's closed set of error kinds. Every
// error that can terminate a session carries one of these kinds so the
// dispatcher can map it to an outbound envelope without re-inspecting
// the underlying cause.
package brokererr

import "fmt"

// Kind is one of the broker's seven terminal error categories.
type Kind string

const (
	BadInput       Kind = "bad_input"
	StateViolation Kind = "state_violation"
	PeerMismatch   Kind = "peer_mismatch"
	UserNotFound   Kind = "user_not_found"
	CryptoFailure  Kind = "crypto_failure"
	UpstreamFailure Kind = "upstream_failure"
	Transport      Kind = "transport"
)

// Error wraps a Kind and a human-readable message destined for the
// outbound COMMAND_ERROR envelope. The broker never retries: every
// Error is terminal for the session(s) involved.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("brokererr: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("brokererr: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
