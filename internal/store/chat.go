package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertChat inserts or updates a chat's identity and display metadata.
// Sync bookkeeping columns are owned by the Set* methods and left alone.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, kind, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Title, now, now)
	return err
}

// SetChatSyncStatus updates a chat's sync status and last error message.
func (db *DB) SetChatSyncStatus(chatID int64, syncStatus, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET sync_status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		syncStatus, lastError, now, chatID)
	return err
}

// SetChatBackupTime records the completion time of a successful crawl.
func (db *DB) SetChatBackupTime(chatID int64, at int64) error {
	_, err := db.Exec(`
		UPDATE chats SET last_backup_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now().UnixMilli(), chatID)
	return err
}

// GetChat returns a single chat by ID, or nil if unknown.
func (db *DB) GetChat(chatID int64) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, kind, title, sync_status, last_error, last_backup_at
		FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Kind, &c.Title, &c.SyncStatus, &c.LastError, &c.LastBackupAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChats returns all chats ordered by most recently backed up.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT id, kind, title, sync_status, last_error, last_backup_at
		FROM chats
		ORDER BY last_backup_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.SyncStatus, &c.LastError, &c.LastBackupAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChatStats returns row counts for a chat.
func (db *DB) GetChatStats(chatID int64) (*ChatStats, error) {
	var s ChatStats
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&s.Messages); err != nil {
		return nil, err
	}
	if err := db.QueryRow(`
		SELECT COUNT(DISTINCT media_id) FROM messages
		WHERE chat_id = ? AND media_id != ''`, chatID).Scan(&s.Media); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteChat removes a chat and all of its rows in one transaction:
// messages, reactions, checkpoint, and any media rows no longer referenced
// by another chat. It returns the local paths of the removed media so the
// caller can delete the files.
func (db *DB) DeleteChat(chatID int64) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Media referenced only by this chat becomes orphaned once its
	// messages go away.
	rows, err := tx.Query(`
		SELECT m.content_id, m.local_path
		FROM media m
		WHERE m.content_id IN (SELECT media_id FROM messages WHERE chat_id = ? AND media_id != '')
		  AND NOT EXISTS (
			SELECT 1 FROM messages ms
			WHERE ms.media_id = m.content_id AND ms.chat_id != ?)`,
		chatID, chatID)
	if err != nil {
		return nil, fmt.Errorf("find orphaned media: %w", err)
	}

	var orphanIDs []string
	var orphanPaths []string
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			_ = rows.Close()
			return nil, err
		}
		orphanIDs = append(orphanIDs, id)
		if path != "" {
			orphanPaths = append(orphanPaths, path)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, id := range orphanIDs {
		if _, err := tx.Exec(`DELETE FROM media WHERE content_id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete media: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM reactions WHERE chat_id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("delete reactions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE chat_id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("delete checkpoint: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, chatID); err != nil {
		return nil, fmt.Errorf("delete chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return orphanPaths, nil
}
