package store

// Chat sync statuses.
const (
	SyncIdle    = "idle"
	SyncRunning = "running"
	SyncError   = "error"
)

// Chat represents a mirrored conversation.
type Chat struct {
	ID           int64
	Kind         string // direct, group, broadcast
	Title        string
	SyncStatus   string
	LastError    string
	LastBackupAt int64 // unix millis, 0 = never
}

// Message represents a mirrored message. Identity is (ChatID, Ordinal);
// re-ingesting the same ordinal is an update, never a duplicate.
type Message struct {
	ID             int64
	ChatID         int64
	Ordinal        int64
	SenderID       int64
	SenderName     string
	Body           string
	Kind           string
	ReplyToOrdinal int64 // weak reference, 0 = none, may dangle
	MediaID        string
	EditedAt       int64 // unix millis, 0 = never edited
	Deleted        bool
	DeletedAt      int64
	Timestamp      int64
}

// Media represents a deduplicated media blob keyed by the remote content
// identifier. LocalPath is empty until the bytes are materialized, and
// stays empty for oversized media.
type Media struct {
	ContentID string
	LocalPath string
	FileName  string
	MimeType  string
	SizeBytes int64
	Oversized bool
	FetchedAt int64
}

// Reaction is the per (message, emoji) aggregate.
type Reaction struct {
	ChatID        int64
	Ordinal       int64
	Emoji         string
	Count         int
	RecentSenders string // JSON array of sender IDs, bounded
}

// ChatStats summarizes stored rows for a chat.
type ChatStats struct {
	Messages int64
	Media    int64
}
