package remote

import (
	"testing"
)

func TestToStoreMessage(t *testing.T) {
	rec := &MessageRecord{
		Ordinal:    42,
		SenderID:   7,
		SenderName: "Alice",
		Kind:       KindPhoto,
		Text:       "look at this",
		ReplyTo:    40,
		Timestamp:  1000,
		Media:      &MediaRef{ContentID: "X", FileName: "cat.jpg", MimeType: "image/jpeg", SizeBytes: 99},
	}

	m := rec.ToStoreMessage(5)
	if m.ChatID != 5 || m.Ordinal != 42 {
		t.Errorf("identity = %d/%d, want 5/42", m.ChatID, m.Ordinal)
	}
	if m.Kind != "photo" || m.MediaID != "X" || m.ReplyToOrdinal != 40 {
		t.Errorf("message = %+v", m)
	}
}

func TestToStoreMessageUnknownKind(t *testing.T) {
	rec := &MessageRecord{Ordinal: 1, Kind: MessageKind("poll_v3"), Timestamp: 1}
	m := rec.ToStoreMessage(1)
	if m.Kind != "unknown" {
		t.Errorf("kind = %q, want unknown (closed set)", m.Kind)
	}
}

func TestToStoreReactionsBoundsSenders(t *testing.T) {
	rec := &MessageRecord{
		Ordinal: 3,
		Kind:    KindText,
		Reactions: []ReactionRecord{
			{Emoji: "👍", Count: 8, RecentSenders: []int64{1, 2, 3, 4, 5, 6, 7, 8}},
		},
	}

	rs := rec.ToStoreReactions(9)
	if len(rs) != 1 {
		t.Fatalf("got %d reactions, want 1", len(rs))
	}
	if rs[0].Count != 8 {
		t.Errorf("count = %d, want 8", rs[0].Count)
	}
	if rs[0].RecentSenders != "[1,2,3,4,5]" {
		t.Errorf("recent senders = %q, want bounded to 5", rs[0].RecentSenders)
	}
}

func TestToStoreReactionsEmpty(t *testing.T) {
	rec := &MessageRecord{Ordinal: 1, Kind: KindText}
	if rs := rec.ToStoreReactions(1); rs != nil {
		t.Errorf("got %v, want nil", rs)
	}
}
