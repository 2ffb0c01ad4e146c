package store

import "time"

// UpsertReaction inserts or updates the aggregate for one (message, emoji)
// pair. Reactions mutate independently of the owning message.
func (db *DB) UpsertReaction(r *Reaction) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO reactions (chat_id, ordinal, emoji, count, recent_senders, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, ordinal, emoji) DO UPDATE SET
			count = excluded.count,
			recent_senders = excluded.recent_senders,
			updated_at = excluded.updated_at`,
		r.ChatID, r.Ordinal, r.Emoji, r.Count, r.RecentSenders, now)
	return err
}

// ListReactions returns the reaction aggregates for a message.
func (db *DB) ListReactions(chatID, ordinal int64) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT chat_id, ordinal, emoji, count, recent_senders
		FROM reactions
		WHERE chat_id = ? AND ordinal = ?
		ORDER BY emoji ASC`, chatID, ordinal)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var reactions []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ChatID, &r.Ordinal, &r.Emoji, &r.Count, &r.RecentSenders); err != nil {
			return nil, err
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
