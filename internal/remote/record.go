package remote

import (
	"encoding/json"

	"github.com/andrecp/telemirror/internal/store"
)

// MessageKind is the closed set of payload shapes. Raw gateway payloads
// are decoded into one of these at this boundary so the engine never
// branches on wire shapes.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindService  MessageKind = "service"
	KindUnknown  MessageKind = "unknown"
)

// MediaRef points at a remote media blob.
type MediaRef struct {
	ContentID string `json:"content_id"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// ReactionRecord is the remote aggregate for one emoji on one message.
type ReactionRecord struct {
	Emoji         string  `json:"emoji"`
	Count         int     `json:"count"`
	RecentSenders []int64 `json:"recent_senders"`
}

// MessageRecord is a normalized remote message, ready for ingestion.
type MessageRecord struct {
	Ordinal    int64            `json:"ordinal"`
	SenderID   int64            `json:"sender_id"`
	SenderName string           `json:"sender_name"`
	Kind       MessageKind      `json:"kind"`
	Text       string           `json:"text"`
	ReplyTo    int64            `json:"reply_to,omitempty"` // weak reference, 0 = none
	Timestamp  int64            `json:"timestamp"`
	EditedAt   int64            `json:"edited_at,omitempty"`
	Media      *MediaRef        `json:"media,omitempty"`
	Reactions  []ReactionRecord `json:"reactions,omitempty"`
}

// maxRecentSenders bounds the stored reactor list per (message, emoji).
const maxRecentSenders = 5

// normalizeKind collapses anything outside the closed set to unknown.
func normalizeKind(k MessageKind) MessageKind {
	switch k {
	case KindText, KindPhoto, KindVideo, KindAudio, KindDocument, KindSticker, KindService:
		return k
	default:
		return KindUnknown
	}
}

// ToStoreMessage converts a record to a store message for the given chat.
func (r *MessageRecord) ToStoreMessage(chatID int64) *store.Message {
	mediaID := ""
	if r.Media != nil {
		mediaID = r.Media.ContentID
	}
	return &store.Message{
		ChatID:         chatID,
		Ordinal:        r.Ordinal,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Body:           r.Text,
		Kind:           string(normalizeKind(r.Kind)),
		ReplyToOrdinal: r.ReplyTo,
		MediaID:        mediaID,
		EditedAt:       r.EditedAt,
		Timestamp:      r.Timestamp,
	}
}

// ToStoreReactions converts a record's reaction aggregates, bounding the
// recent-sender list.
func (r *MessageRecord) ToStoreReactions(chatID int64) []*store.Reaction {
	if len(r.Reactions) == 0 {
		return nil
	}
	out := make([]*store.Reaction, 0, len(r.Reactions))
	for _, rr := range r.Reactions {
		senders := rr.RecentSenders
		if len(senders) > maxRecentSenders {
			senders = senders[:maxRecentSenders]
		}
		encoded, err := json.Marshal(senders)
		if err != nil {
			encoded = []byte("[]")
		}
		out = append(out, &store.Reaction{
			ChatID:        chatID,
			Ordinal:       r.Ordinal,
			Emoji:         rr.Emoji,
			Count:         rr.Count,
			RecentSenders: string(encoded),
		})
	}
	return out
}
