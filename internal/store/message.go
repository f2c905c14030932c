package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/chat"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertMessage(ex execer, m chat.Message) error {
	readBy, err := json.Marshal(nonNil(m.ReadBy))
	if err != nil {
		return fmt.Errorf("encode read_by: %w", err)
	}
	_, err = ex.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, text, created_at, status, read_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			text = excluded.text,
			status = excluded.status,
			read_by = excluded.read_by,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.ID, m.SenderID, m.Text, m.CreatedAt.UnixNano(), string(m.Status), string(readBy), time.Now().UnixMilli())
	return err
}

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m chat.Message) error {
	return upsertMessage(db, m)
}

// UpsertMessages writes a whole snapshot in one transaction.
func (db *DB) UpsertMessages(msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns the cached messages of a conversation in timeline order.
func (db *DB) ListMessages(conversationID string) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, sender_id, text, created_at, status, read_by
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, msg_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m         chat.Message
			createdAt int64
			st        string
			readBy    string
		)
		if err := rows.Scan(&m.ConversationID, &m.ID, &m.SenderID, &m.Text, &createdAt, &st, &readBy); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		m.Status = chat.Status(st)
		if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
			return nil, fmt.Errorf("decode read_by for %s: %w", m.ID, err)
		}
		if len(m.ReadBy) == 0 {
			m.ReadBy = nil
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// ReassignConversation moves cached messages and outbox rows from a draft id
// to the id the server assigned. Moved outbox rows no longer carry participants.
func (db *DB) ReassignConversation(oldID, newID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE OR REPLACE messages SET conversation_id = ? WHERE conversation_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("reassign messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE outbox SET conversation_id = ?, participants = '[]' WHERE conversation_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("reassign outbox: %w", err)
	}
	return tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
