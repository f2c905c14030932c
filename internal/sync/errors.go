package sync

import (
	"errors"
	"fmt"

	"github.com/matheus3301/convsync/internal/remote"
)

var (
	// ErrUnauthenticated is returned by Send and Retry when no user is signed in.
	ErrUnauthenticated = errors.New("sync: not signed in")
	// ErrNotRetryable is returned by Retry and Delete for a message that is not failed.
	ErrNotRetryable = errors.New("sync: message is not failed")
	// ErrNotFound is returned for a message id that is not in the timeline.
	ErrNotFound = errors.New("sync: message not found")
	// ErrStopped is returned by operations on a stopped Core.
	ErrStopped = errors.New("sync: conversation view stopped")
	// ErrNotStarted is returned by Send and Retry before Start.
	ErrNotStarted = errors.New("sync: conversation view not started")
	// ErrOutboxExhausted wraps the last delivery error of an entry that ran
	// out of retries.
	ErrOutboxExhausted = errors.New("sync: outbox retries exhausted")
)

// SendError reports a message that could not be delivered and is now failed.
// The message stays in the timeline so it can be retried or deleted.
type SendError struct {
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.MessageID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Class is how the engine reacts to an error.
type Class int

const (
	// Connectivity errors are absorbed: sends go to the outbox, receipts are dropped.
	Connectivity Class = iota
	// Rejected errors need user action: the message is marked failed.
	Rejected
	// Unauthenticated errors refuse the operation before any mutation.
	Unauthenticated
)

func (c Class) String() string {
	switch c {
	case Connectivity:
		return "connectivity"
	case Rejected:
		return "rejected"
	case Unauthenticated:
		return "unauthenticated"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Classify maps err to its Class.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrUnauthenticated), remote.IsCode(err, remote.CodeUnauthenticated):
		return Unauthenticated
	case remote.Temporary(err):
		return Connectivity
	default:
		return Rejected
	}
}
