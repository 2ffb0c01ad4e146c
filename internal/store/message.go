package store

import (
	"database/sql"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (chat_id, ordinal, sender_id, sender_name, body, kind,
		reply_to_ordinal, media_id, edited_at, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, ordinal) DO UPDATE SET
		sender_name = excluded.sender_name,
		body = excluded.body,
		kind = excluded.kind,
		reply_to_ordinal = excluded.reply_to_ordinal,
		media_id = excluded.media_id,
		edited_at = excluded.edited_at`

// UpsertMessage inserts or updates a message (idempotent on chat_id +
// ordinal). Tombstone columns are never touched on conflict: a re-ingest
// must not resurrect a deleted message.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(upsertMessageSQL,
		m.ChatID, m.Ordinal, m.SenderID, m.SenderName, m.Body, m.Kind,
		m.ReplyToOrdinal, m.MediaID, m.EditedAt, m.Timestamp, now)
	return err
}

// GetMessage returns a single message by (chat, ordinal), or nil if unknown.
func (db *DB) GetMessage(chatID, ordinal int64) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, chat_id, ordinal, sender_id, sender_name, body, kind,
			reply_to_ordinal, media_id, edited_at, deleted, deleted_at, timestamp
		FROM messages WHERE chat_id = ? AND ordinal = ?`, chatID, ordinal).
		Scan(&m.ID, &m.ChatID, &m.Ordinal, &m.SenderID, &m.SenderName, &m.Body, &m.Kind,
			&m.ReplyToOrdinal, &m.MediaID, &m.EditedAt, &m.Deleted, &m.DeletedAt, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns a chat's messages in increasing ordinal order,
// starting strictly after the given ordinal. Tombstoned rows are included;
// readers decide how to render them.
func (db *DB) ListMessages(chatID, afterOrdinal int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, chat_id, ordinal, sender_id, sender_name, body, kind,
			reply_to_ordinal, media_id, edited_at, deleted, deleted_at, timestamp
		FROM messages
		WHERE chat_id = ? AND ordinal > ?
		ORDER BY ordinal ASC
		LIMIT ?`, chatID, afterOrdinal, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Ordinal, &m.SenderID, &m.SenderName, &m.Body, &m.Kind,
			&m.ReplyToOrdinal, &m.MediaID, &m.EditedAt, &m.Deleted, &m.DeletedAt, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateMessageEdit applies an edit to an already-known message. Returns
// false if the ordinal is unknown locally; the caller ignores the edit and
// lets the next crawl pick up the final content.
func (db *DB) UpdateMessageEdit(chatID, ordinal int64, body string, editedAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET body = ?, edited_at = ?
		WHERE chat_id = ? AND ordinal = ?`,
		body, editedAt, chatID, ordinal)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TombstoneMessage soft-deletes a message, preserving the row. Returns
// false if the ordinal is unknown locally.
func (db *DB) TombstoneMessage(chatID, ordinal, deletedAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET deleted = 1, deleted_at = ?
		WHERE chat_id = ? AND ordinal = ?`,
		deletedAt, chatID, ordinal)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
