// Package checkpoint owns the per-chat crawl cursor and in-flight batch
// marker. The write ordering here is the crash-recovery anchor: an
// in-flight range is durable before its batch commits, and is only cleared
// together with the cursor advance. A crash at any point leaves the system
// able to detect and re-apply the batch, never to silently skip it.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/andrecp/telemirror/internal/store"
)

// StartOfHistory is the cursor for a chat that has never been crawled.
// Remote ordinal spaces are chat-local; comparisons are always strict
// ("ordinal > cursor"), so the value itself is never a valid ordinal.
const StartOfHistory int64 = 0

// BatchRange is an inclusive ordinal range being committed.
type BatchRange struct {
	Lo int64
	Hi int64
}

// State is a chat's checkpoint: the highest fully committed ordinal plus
// any unconfirmed in-flight batch.
type State struct {
	Cursor   int64
	InFlight *BatchRange
}

// Manager reads and writes checkpoint rows. It shares the archive database
// with the store but touches only the checkpoints table, so either side
// can be rebuilt without stranding the other.
type Manager struct {
	db *store.DB
}

// NewManager creates a checkpoint manager.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db}
}

// ReadState returns a chat's checkpoint. A chat with no row starts at
// StartOfHistory with no in-flight batch.
func (m *Manager) ReadState(chatID int64) (State, error) {
	var cursor int64
	var lo, hi sql.NullInt64
	err := m.db.QueryRow(`
		SELECT cursor, inflight_lo, inflight_hi FROM checkpoints WHERE chat_id = ?`,
		chatID).Scan(&cursor, &lo, &hi)
	if err == sql.ErrNoRows {
		return State{Cursor: StartOfHistory}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read checkpoint: %w", err)
	}

	st := State{Cursor: cursor}
	if lo.Valid && hi.Valid {
		st.InFlight = &BatchRange{Lo: lo.Int64, Hi: hi.Int64}
	}
	return st, nil
}

// BeginBatch durably records the ordinal range about to be committed.
// Must complete before the store transaction for that range starts.
func (m *Manager) BeginBatch(chatID, lo, hi int64) error {
	now := time.Now().UnixMilli()
	_, err := m.db.Exec(`
		INSERT INTO checkpoints (chat_id, cursor, inflight_lo, inflight_hi, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			inflight_lo = excluded.inflight_lo,
			inflight_hi = excluded.inflight_hi,
			updated_at = excluded.updated_at`,
		chatID, StartOfHistory, lo, hi, now)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	return nil
}

// CommitBatch advances the cursor and clears the in-flight marker in one
// statement, so there is no window where the batch is both unconfirmed and
// unmarked.
func (m *Manager) CommitBatch(chatID, newCursor int64) error {
	now := time.Now().UnixMilli()
	_, err := m.db.Exec(`
		UPDATE checkpoints
		SET cursor = ?, inflight_lo = NULL, inflight_hi = NULL, updated_at = ?
		WHERE chat_id = ?`,
		newCursor, now, chatID)
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Reset drops a chat's checkpoint entirely. Used when a chat is removed
// from the tracked set.
func (m *Manager) Reset(chatID int64) error {
	_, err := m.db.Exec(`DELETE FROM checkpoints WHERE chat_id = ?`, chatID)
	return err
}
