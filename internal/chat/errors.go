package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrNotAuthorized    = errors.New("not a participant of this conversation")
	ErrNotSubscribed    = errors.New("conversation not joined")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrConnectionClosed = errors.New("connection closed")
	ErrMessageNotFound  = errors.New("message not found")
	ErrHubStopped       = errors.New("hub stopped")
)

// PersistenceError is surfaced to the originating connection only.
// The core never retries; the client decides.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Error codes carried by the "error" event.
const (
	CodeNotAuthorized   = "not_authorized"
	CodeNotSubscribed   = "not_subscribed"
	CodeInvalidCommand  = "invalid_command"
	CodePersistence     = "persistence_failed"
	CodeMessageNotFound = "message_not_found"
	// CodeTimeout means the command expired before it ran and nothing was applied.
	CodeTimeout         = "timed_out"
	CodeInternal        = "internal_error"
)

func errorCode(err error) string {
	var pe *PersistenceError
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return CodeNotAuthorized
	case errors.Is(err, ErrNotSubscribed):
		return CodeNotSubscribed
	case errors.Is(err, ErrInvalidCommand):
		return CodeInvalidCommand
	case errors.Is(err, ErrMessageNotFound):
		return CodeMessageNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	case errors.As(err, &pe):
		return CodePersistence
	default:
		return CodeInternal
	}
}
