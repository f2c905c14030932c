package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/chat"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	participants, err := json.Marshal(nonNil(c.ParticipantIDs))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var lastAt int64
	if !c.LastMessageAt.IsZero() {
		lastAt = c.LastMessageAt.UnixNano()
	}
	_, err = db.Exec(`
		INSERT INTO conversations (id, participant_ids, display_name, last_message_text, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			display_name = excluded.display_name,
			last_message_text = excluded.last_message_text,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.DisplayName, c.LastMessageText, lastAt, time.Now().UnixMilli())
	return err
}

// GetConversation returns a single conversation by id, or nil if not cached.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participant_ids, display_name, last_message_text, last_message_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns cached conversations, most recent activity first.
func (db *DB) ListConversations(limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participant_ids, display_name, last_message_text, last_message_at
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (chat.Conversation, error) {
	var (
		c            chat.Conversation
		participants string
		lastAt       int64
	)
	if err := s.Scan(&c.ID, &participants, &c.DisplayName, &c.LastMessageText, &lastAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(participants), &c.ParticipantIDs); err != nil {
		return c, fmt.Errorf("decode participants for %s: %w", c.ID, err)
	}
	if lastAt > 0 {
		c.LastMessageAt = time.Unix(0, lastAt).UTC()
	}
	return c, nil
}
