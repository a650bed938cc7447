// Package apperr defines the error taxonomy shared by the store, the
// streaming engine and the API layer. Handlers map these to HTTP statuses;
// everything else propagates them unmodified.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrNotFound indicates an unknown thread or message id.
	ErrNotFound = errors.New("not found")
	// ErrInvalidStateTransition indicates a finalize on a message that is
	// not pending, or a second finalize to a different terminal status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrConflict indicates a concurrent-write race (order allocation or
	// finalize). Callers may retry; the store retries allocation itself up
	// to a small bound before surfacing this.
	ErrConflict = errors.New("conflict")
	// ErrRateLimited indicates admission was denied. Use AsRateLimited to
	// recover the retry deadline.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstreamFailure indicates the language-model capability or a
	// search backend failed.
	ErrUpstreamFailure = errors.New("upstream failure")
)

// NotFound returns an ErrNotFound for the given entity kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// InvalidTransition returns an ErrInvalidStateTransition describing the
// attempted status change.
func InvalidTransition(msgID, from, to string) error {
	return fmt.Errorf("message %s: %s -> %s: %w", msgID, from, to, ErrInvalidStateTransition)
}

// Conflict wraps a description into an ErrConflict.
func Conflict(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrConflict)
}

// RateLimited carries the scope key and the earliest time the rejected
// operation could succeed.
type RateLimited struct {
	Key     string
	RetryAt time.Time
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited on %q, retry at %s", e.Key, e.RetryAt.UTC().Format(time.RFC3339Nano))
}

func (e *RateLimited) Unwrap() error { return ErrRateLimited }

// AsRateLimited extracts a *RateLimited from err, if present.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// Upstream wraps an upstream failure reason so it classifies as
// ErrUpstreamFailure. The reason is preserved for message finalization.
func Upstream(source string, err error) error {
	return fmt.Errorf("%s: %v: %w", source, err, ErrUpstreamFailure)
}
