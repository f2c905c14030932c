package status

import (
	"fmt"
	"slices"

	"github.com/matheus3301/convsync/internal/chat"
)

// validTransitions defines the allowed message status moves. A remote
// snapshot may skip intermediate states, so forward jumps are allowed.
var validTransitions = map[chat.Status][]chat.Status{
	chat.StatusSending:   {chat.StatusSent, chat.StatusDelivered, chat.StatusRead, chat.StatusFailed},
	chat.StatusSent:      {chat.StatusDelivered, chat.StatusRead},
	chat.StatusDelivered: {chat.StatusRead},
	chat.StatusFailed:    {chat.StatusSending},
	chat.StatusRead:      {},
}

// localTransitions are the moves the engine may make without the remote store.
var localTransitions = map[chat.Status][]chat.Status{
	chat.StatusSending: {chat.StatusFailed},
	chat.StatusFailed:  {chat.StatusSending},
}

// TransitionError is returned for a status move the state machine rejects.
type TransitionError struct {
	From chat.Status
	To   chat.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to chat.Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from -> to and returns the new status.
func Transition(from, to chat.Status) (chat.Status, error) {
	if !CanTransition(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}

// Local reports whether from -> to is a purely local move (sending <-> failed).
// Every other transition is driven by the remote snapshot.
func Local(from, to chat.Status) bool {
	return slices.Contains(localTransitions[from], to)
}
