package store

import "database/sql"

// UpsertMedia inserts or updates a media record keyed by content ID.
func (db *DB) UpsertMedia(m *Media) error {
	_, err := db.Exec(`
		INSERT INTO media (content_id, local_path, file_name, mime_type, size_bytes, oversized, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			local_path = excluded.local_path,
			file_name = excluded.file_name,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			oversized = excluded.oversized,
			fetched_at = excluded.fetched_at`,
		m.ContentID, m.LocalPath, m.FileName, m.MimeType, m.SizeBytes, m.Oversized, m.FetchedAt)
	return err
}

// ListUnfetchedMedia returns media rows whose bytes were never
// materialized, excluding oversized ones. The crawler re-attempts these
// each cycle: their owning messages are already behind the cursor, so no
// page re-fetch will ever revisit them.
func (db *DB) ListUnfetchedMedia(limit int) ([]Media, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT content_id, local_path, file_name, mime_type, size_bytes, oversized, fetched_at
		FROM media
		WHERE local_path = '' AND oversized = 0
		ORDER BY content_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Media
	for rows.Next() {
		var m Media
		if err := rows.Scan(&m.ContentID, &m.LocalPath, &m.FileName, &m.MimeType, &m.SizeBytes, &m.Oversized, &m.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMedia returns a media record by content ID, or nil if unknown.
func (db *DB) GetMedia(contentID string) (*Media, error) {
	var m Media
	err := db.QueryRow(`
		SELECT content_id, local_path, file_name, mime_type, size_bytes, oversized, fetched_at
		FROM media WHERE content_id = ?`, contentID).
		Scan(&m.ContentID, &m.LocalPath, &m.FileName, &m.MimeType, &m.SizeBytes, &m.Oversized, &m.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
