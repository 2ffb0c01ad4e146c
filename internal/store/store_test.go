package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestChatUpsertPreservesSyncColumns(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: 7, Kind: "group", Title: "Team"}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetChatSyncStatus(7, SyncError, "auth revoked"); err != nil {
		t.Fatal(err)
	}

	// Re-sighting the chat during a crawl must not reset the error status.
	if err := db.UpsertChat(&Chat{ID: 7, Kind: "group", Title: "Team Renamed"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat(7)
	if err != nil {
		t.Fatal(err)
	}
	if c.Title != "Team Renamed" {
		t.Errorf("title = %q, want Team Renamed", c.Title)
	}
	if c.SyncStatus != SyncError || c.LastError != "auth revoked" {
		t.Errorf("sync columns clobbered: status=%q err=%q", c.SyncStatus, c.LastError)
	}
}

func TestGetChatMissing(t *testing.T) {
	db := testDB(t)
	c, err := db.GetChat(999)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil for missing chat, got %+v", c)
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)

	msg := &Message{ChatID: 1, Ordinal: 10, Body: "hello", Kind: "text", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello edited"
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert)", len(msgs))
	}
	if msgs[0].Body != "hello edited" {
		t.Errorf("body = %q, want hello edited", msgs[0].Body)
	}
}

func TestUpsertDoesNotResurrectTombstone(t *testing.T) {
	db := testDB(t)

	msg := &Message{ChatID: 1, Ordinal: 5, Body: "secret", Kind: "text", Timestamp: 1000}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TombstoneMessage(1, 5, 2000); err != nil {
		t.Fatal(err)
	}

	// A crawl re-affirming the ordinal must not clear the tombstone.
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted || got.DeletedAt != 2000 {
		t.Errorf("tombstone lost: deleted=%v deleted_at=%d", got.Deleted, got.DeletedAt)
	}
}

func TestUpdateMessageEditUnknownOrdinal(t *testing.T) {
	db := testDB(t)

	applied, err := db.UpdateMessageEdit(1, 42, "new text", 5000)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Error("edit of unknown ordinal reported applied")
	}

	if err := db.UpsertMessage(&Message{ChatID: 1, Ordinal: 42, Body: "old", Kind: "text", Timestamp: 1000}); err != nil {
		t.Fatal(err)
	}
	applied, err = db.UpdateMessageEdit(1, 42, "new text", 5000)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Error("edit of known ordinal not applied")
	}
	got, _ := db.GetMessage(1, 42)
	if got.Body != "new text" || got.EditedAt != 5000 {
		t.Errorf("edit not stored: body=%q edited_at=%d", got.Body, got.EditedAt)
	}
}

func TestListMessagesOrdinalOrder(t *testing.T) {
	db := testDB(t)

	for _, ord := range []int64{30, 10, 20} {
		if err := db.UpsertMessage(&Message{ChatID: 2, Ordinal: ord, Kind: "text", Timestamp: ord}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages(2, 10, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after ordinal 10, want 2", len(msgs))
	}
	if msgs[0].Ordinal != 20 || msgs[1].Ordinal != 30 {
		t.Errorf("ordinals = %d,%d, want 20,30", msgs[0].Ordinal, msgs[1].Ordinal)
	}
}

func TestMediaUpsertAndGet(t *testing.T) {
	db := testDB(t)

	m := &Media{ContentID: "X", LocalPath: "ab/X", FileName: "cat.jpg", MimeType: "image/jpeg", SizeBytes: 1234, FetchedAt: 1000}
	if err := db.UpsertMedia(m); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMedia("X")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LocalPath != "ab/X" {
		t.Errorf("got %+v, want local path ab/X", got)
	}

	missing, err := db.GetMedia("Y")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for unknown content id")
	}
}

func TestReactionAggregate(t *testing.T) {
	db := testDB(t)

	r := &Reaction{ChatID: 1, Ordinal: 3, Emoji: "👍", Count: 2, RecentSenders: "[11,12]"}
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}
	r.Count = 3
	r.RecentSenders = "[11,12,13]"
	if err := db.UpsertReaction(r); err != nil {
		t.Fatal(err)
	}

	reactions, err := db.ListReactions(1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(reactions) != 1 {
		t.Fatalf("got %d reactions, want 1 (aggregate)", len(reactions))
	}
	if reactions[0].Count != 3 {
		t.Errorf("count = %d, want 3", reactions[0].Count)
	}
}

func TestApplyBatchAtomicAndIdempotent(t *testing.T) {
	db := testDB(t)

	msgs := []*Message{
		{ChatID: 1, Ordinal: 101, Body: "a", Kind: "text", Timestamp: 1},
		{ChatID: 1, Ordinal: 102, Body: "b", Kind: "photo", MediaID: "X", Timestamp: 2},
	}
	media := []*Media{{ContentID: "X", LocalPath: "ab/X", SizeBytes: 10, FetchedAt: 1}}
	reactions := []*Reaction{{ChatID: 1, Ordinal: 101, Emoji: "🔥", Count: 1, RecentSenders: "[5]"}}

	if err := db.ApplyBatch(msgs, reactions, media); err != nil {
		t.Fatal(err)
	}
	// Re-applying the same batch (crash-resume path) adds nothing.
	if err := db.ApplyBatch(msgs, reactions, media); err != nil {
		t.Fatal(err)
	}

	stored, err := db.ListMessages(1, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("got %d messages, want 2", len(stored))
	}
	stats, err := db.GetChatStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Messages != 2 || stats.Media != 1 {
		t.Errorf("stats = %+v, want 2 messages, 1 media", stats)
	}
}

func TestDeleteChatRemovesRowsAndReportsOrphans(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertChat(&Chat{ID: 1, Kind: "direct"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ID: 2, Kind: "direct"}); err != nil {
		t.Fatal(err)
	}
	// "X" is shared between chats 1 and 2; "Y" belongs only to chat 1.
	if err := db.UpsertMedia(&Media{ContentID: "X", LocalPath: "ab/X"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMedia(&Media{ContentID: "Y", LocalPath: "cd/Y"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: 1, Ordinal: 1, MediaID: "X", Kind: "photo", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: 1, Ordinal: 2, MediaID: "Y", Kind: "photo", Timestamp: 2}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ChatID: 2, Ordinal: 1, MediaID: "X", Kind: "photo", Timestamp: 3}); err != nil {
		t.Fatal(err)
	}

	paths, err := db.DeleteChat(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "cd/Y" {
		t.Errorf("orphan paths = %v, want [cd/Y]", paths)
	}

	if c, _ := db.GetChat(1); c != nil {
		t.Error("chat 1 still present after delete")
	}
	if m, _ := db.GetMedia("Y"); m != nil {
		t.Error("orphaned media Y still present")
	}
	if m, _ := db.GetMedia("X"); m == nil {
		t.Error("shared media X was deleted")
	}
	msgs, _ := db.ListMessages(2, 0, 10)
	if len(msgs) != 1 {
		t.Errorf("chat 2 messages = %d, want 1", len(msgs))
	}
}
