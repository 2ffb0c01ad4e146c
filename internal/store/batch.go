package store

import (
	"fmt"
	"time"
)

// ApplyBatch commits one crawled page atomically: messages, reactions, and
// media rows in a single transaction of per-row upserts. Per-row upserts
// (never delete-then-insert) keep the batch safe to interleave with live
// listener writes and safe to re-apply after a crash.
func (db *DB) ApplyBatch(msgs []*Message, reactions []*Reaction, media []*Media) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	for _, m := range media {
		if _, err := tx.Exec(`
			INSERT INTO media (content_id, local_path, file_name, mime_type, size_bytes, oversized, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_id) DO UPDATE SET
				local_path = excluded.local_path,
				file_name = excluded.file_name,
				mime_type = excluded.mime_type,
				size_bytes = excluded.size_bytes,
				oversized = excluded.oversized,
				fetched_at = excluded.fetched_at`,
			m.ContentID, m.LocalPath, m.FileName, m.MimeType, m.SizeBytes, m.Oversized, m.FetchedAt); err != nil {
			return fmt.Errorf("upsert media %s in batch: %w", m.ContentID, err)
		}
	}

	for _, m := range msgs {
		if _, err := tx.Exec(upsertMessageSQL,
			m.ChatID, m.Ordinal, m.SenderID, m.SenderName, m.Body, m.Kind,
			m.ReplyToOrdinal, m.MediaID, m.EditedAt, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message %d/%d in batch: %w", m.ChatID, m.Ordinal, err)
		}
	}

	for _, r := range reactions {
		if _, err := tx.Exec(`
			INSERT INTO reactions (chat_id, ordinal, emoji, count, recent_senders, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, ordinal, emoji) DO UPDATE SET
				count = excluded.count,
				recent_senders = excluded.recent_senders,
				updated_at = excluded.updated_at`,
			r.ChatID, r.Ordinal, r.Emoji, r.Count, r.RecentSenders, now); err != nil {
			return fmt.Errorf("upsert reaction %d/%d in batch: %w", r.ChatID, r.Ordinal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
