package bus

import (
	"context"
	"errors"
	"fmt"
)

// ErrConflict is returned on optimistic-concurrency mismatches: a saga
// update against a stale revision, or an insert racing another writer.
var ErrConflict = errors.New("concurrency conflict")

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// MalformedMessageError reports a message that violates a transport
// invariant (non-integer priority, deferral without a recipient, ...).
// It is fatal: the send is rejected and never retried.
type MalformedMessageError struct {
	Header string // offending header key, when applicable
	Reason string
}

func (e *MalformedMessageError) Error() string {
	if e.Header != "" {
		return fmt.Sprintf("malformed message: header %q: %s", e.Header, e.Reason)
	}
	return "malformed message: " + e.Reason
}

// IsMalformed reports whether err is a MalformedMessageError.
func IsMalformed(err error) bool {
	var m *MalformedMessageError
	return errors.As(err, &m)
}

// WrapCancelled folds a DB error observed during cancellation into the
// context error, so callers can match on context.Canceled / DeadlineExceeded
// while keeping the underlying cause visible.
func WrapCancelled(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil {
			return ctxErr
		}
		return fmt.Errorf("operation cancelled: %w (underlying: %v)", ctxErr, err)
	}
	return err
}
