package store

import (
	"database/sql"
	"errors"
	"strconv"
)

func checkpointKey(conversationID string) string {
	return "revision:" + conversationID
}

// SetCheckpoint records the last snapshot revision applied for a conversation.
func (db *DB) SetCheckpoint(conversationID string, revision uint64) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		checkpointKey(conversationID), strconv.FormatUint(revision, 10))
	return err
}

// GetCheckpoint returns the recorded revision, or 0 if none exists.
func (db *DB) GetCheckpoint(conversationID string) (uint64, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, checkpointKey(conversationID)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}
