package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/chat"
)

// ErrOutboxNotFound is returned when an outbox row does not exist.
var ErrOutboxNotFound = errors.New("outbox entry not found")

const outboxColumns = `message_id, conversation_id, sender_id, text, created_at, retry_count, participants`

// InsertOutbox appends an entry to the tail of the outbox. Inserting a message
// id that is already queued is a no-op.
func (db *DB) InsertOutbox(e chat.OutboxEntry) error {
	participants, err := json.Marshal(nonNil(e.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO outbox (`+outboxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		e.MessageID, e.ConversationID, e.SenderID, e.Text, e.CreatedAt.UnixNano(), e.RetryCount, string(participants))
	return err
}

// FirstOutbox returns the oldest queued entry, or nil if the outbox is empty.
func (db *DB) FirstOutbox() (*chat.OutboxEntry, error) {
	row := db.QueryRow(`SELECT ` + outboxColumns + ` FROM outbox ORDER BY seq ASC LIMIT 1`)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetOutbox returns the entry for messageID.
func (db *DB) GetOutbox(messageID string) (*chat.OutboxEntry, error) {
	row := db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE message_id = ?`, messageID)
	e, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOutboxNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListOutbox returns every queued entry in enqueue order.
func (db *DB) ListOutbox() ([]chat.OutboxEntry, error) {
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []chat.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes the entry for messageID. Deleting a missing entry is not an error.
func (db *DB) DeleteOutbox(messageID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE message_id = ?`, messageID)
	return err
}

// IncrementOutboxRetry bumps the retry count and returns the new value.
func (db *DB) IncrementOutboxRetry(messageID string) (int, error) {
	res, err := db.Exec(`UPDATE outbox SET retry_count = retry_count + 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrOutboxNotFound
	}
	var count int
	if err := db.QueryRow(`SELECT retry_count FROM outbox WHERE message_id = ?`, messageID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// OutboxCount returns the number of queued entries.
func (db *DB) OutboxCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n)
	return n, err
}

func scanOutbox(s scanner) (chat.OutboxEntry, error) {
	var (
		e            chat.OutboxEntry
		createdAt    int64
		participants string
	)
	if err := s.Scan(&e.MessageID, &e.ConversationID, &e.SenderID, &e.Text, &createdAt, &e.RetryCount, &participants); err != nil {
		return e, err
	}
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(participants), &e.Participants); err != nil {
		return e, fmt.Errorf("decode participants for %s: %w", e.MessageID, err)
	}
	if len(e.Participants) == 0 {
		e.Participants = nil
	}
	return e, nil
}
