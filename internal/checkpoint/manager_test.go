package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/andrecp/telemirror/internal/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db)
}

func TestReadStateUnknownChat(t *testing.T) {
	m := testManager(t)

	st, err := m.ReadState(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != StartOfHistory {
		t.Errorf("cursor = %d, want StartOfHistory", st.Cursor)
	}
	if st.InFlight != nil {
		t.Errorf("in-flight = %+v, want nil", st.InFlight)
	}
}

func TestBeginThenCommit(t *testing.T) {
	m := testManager(t)

	if err := m.BeginBatch(1, 101, 150); err != nil {
		t.Fatal(err)
	}

	st, err := m.ReadState(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.InFlight == nil || st.InFlight.Lo != 101 || st.InFlight.Hi != 150 {
		t.Fatalf("in-flight = %+v, want [101,150]", st.InFlight)
	}
	if st.Cursor != StartOfHistory {
		t.Errorf("cursor moved before commit: %d", st.Cursor)
	}

	if err := m.CommitBatch(1, 150); err != nil {
		t.Fatal(err)
	}

	st, err = m.ReadState(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != 150 {
		t.Errorf("cursor = %d, want 150", st.Cursor)
	}
	if st.InFlight != nil {
		t.Errorf("in-flight = %+v, want nil after commit", st.InFlight)
	}
}

// A crash between BeginBatch and CommitBatch must leave the in-flight
// range readable so the next run re-applies it.
func TestInFlightSurvivesWithoutCommit(t *testing.T) {
	m := testManager(t)

	if err := m.BeginBatch(7, 1, 100); err != nil {
		t.Fatal(err)
	}
	// Simulate restart: a fresh manager over the same rows.
	st, err := m.ReadState(7)
	if err != nil {
		t.Fatal(err)
	}
	if st.InFlight == nil || st.InFlight.Lo != 1 || st.InFlight.Hi != 100 {
		t.Errorf("in-flight = %+v, want [1,100]", st.InFlight)
	}
}

func TestBeginBatchPreservesCursor(t *testing.T) {
	m := testManager(t)

	if err := m.BeginBatch(3, 1, 50); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitBatch(3, 50); err != nil {
		t.Fatal(err)
	}
	if err := m.BeginBatch(3, 51, 80); err != nil {
		t.Fatal(err)
	}

	st, err := m.ReadState(3)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != 50 {
		t.Errorf("cursor = %d, want 50 (BeginBatch must not touch it)", st.Cursor)
	}
}

func TestReset(t *testing.T) {
	m := testManager(t)

	if err := m.BeginBatch(5, 1, 10); err != nil {
		t.Fatal(err)
	}
	if err := m.CommitBatch(5, 10); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(5); err != nil {
		t.Fatal(err)
	}

	st, err := m.ReadState(5)
	if err != nil {
		t.Fatal(err)
	}
	if st.Cursor != StartOfHistory || st.InFlight != nil {
		t.Errorf("state after reset = %+v, want fresh", st)
	}
}
