// Package outbox holds messages that could not be delivered and resends them
// when connectivity returns.
package outbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/convsync/internal/chat"
	"github.com/matheus3301/convsync/internal/store"
)

// DefaultMaxRetries is the number of failed resends tolerated before an entry
// is dropped and its message marked failed.
const DefaultMaxRetries = 3

// ErrNotFound is returned for operations on an entry that is not queued.
var ErrNotFound = errors.New("outbox: entry not found")

// Store is a durable FIFO of unconfirmed messages.
type Store interface {
	Enqueue(e chat.OutboxEntry) error
	// Dequeue removes and returns the head entry, or nil when empty.
	Dequeue() (*chat.OutboxEntry, error)
	Remove(messageID string) error
	IncrementRetry(messageID string) (int, error)
	HasReachedRetryLimit(messageID string) (bool, error)
	// DrainAll returns every entry in enqueue order without removing them.
	DrainAll() ([]chat.OutboxEntry, error)
	Len() (int, error)
	// Reassign moves entries of a draft conversation to its server id.
	Reassign(oldConversationID, newConversationID string) error
}

// Queue implements Store over the local SQLite cache. One Queue is shared by
// every conversation on the device; all mutations are serialized.
type Queue struct {
	mu         sync.Mutex
	db         *store.DB
	maxRetries int
}

var _ Store = (*Queue)(nil)

// NewQueue creates a queue. maxRetries <= 0 selects DefaultMaxRetries.
func NewQueue(db *store.DB, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{db: db, maxRetries: maxRetries}
}

// MaxRetries returns the configured retry bound.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue appends e to the tail. Enqueueing an id that is already queued is a no-op.
func (q *Queue) Enqueue(e chat.OutboxEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.db.InsertOutbox(e); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.MessageID, err)
	}
	return nil
}

// Dequeue removes and returns the head entry.
func (q *Queue) Dequeue() (*chat.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	head, err := q.db.FirstOutbox()
	if err != nil || head == nil {
		return nil, err
	}
	if err := q.db.DeleteOutbox(head.MessageID); err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", head.MessageID, err)
	}
	return head, nil
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (q *Queue) Remove(messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.DeleteOutbox(messageID)
}

// IncrementRetry bumps the retry count of an entry and returns the new count.
func (q *Queue) IncrementRetry(messageID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.db.IncrementOutboxRetry(messageID)
	if errors.Is(err, store.ErrOutboxNotFound) {
		return 0, ErrNotFound
	}
	return n, err
}

// HasReachedRetryLimit reports whether the entry has used up its retries.
func (q *Queue) HasReachedRetryLimit(messageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.db.GetOutbox(messageID)
	if errors.Is(err, store.ErrOutboxNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return e.RetryCount >= q.maxRetries, nil
}

// Get returns a single entry.
func (q *Queue) Get(messageID string) (*chat.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.db.GetOutbox(messageID)
	if errors.Is(err, store.ErrOutboxNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// DrainAll returns a snapshot of every entry in FIFO order.
func (q *Queue) DrainAll() ([]chat.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.ListOutbox()
}

// Len returns the number of queued entries.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.OutboxCount()
}

// Reassign points every entry of a draft conversation at its server id.
func (q *Queue) Reassign(oldConversationID, newConversationID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.db.ReassignConversation(oldConversationID, newConversationID)
}
