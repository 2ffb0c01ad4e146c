// Package remote defines the contract with the messaging service gateway.
// The engine binds to the Client interface only; pagination cursor
// semantics, rate-limit signaling, and at-most-once event delivery are the
// load-bearing parts of the contract.
package remote

import (
	"context"
	"fmt"
	"time"
)

// ChatKind classifies a conversation.
type ChatKind string

const (
	ChatDirect    ChatKind = "direct"
	ChatGroup     ChatKind = "group"
	ChatBroadcast ChatKind = "broadcast"
)

// ChatRef identifies a remote conversation.
type ChatRef struct {
	ID    int64    `json:"id"`
	Kind  ChatKind `json:"kind"`
	Title string   `json:"title"`
}

// EventKind classifies a live event.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventEdit   EventKind = "edit"
	EventDelete EventKind = "delete"
)

// Event is a single live delta. Record is set for new and edit events;
// delete events carry only the ordinal.
type Event struct {
	Kind      EventKind      `json:"kind"`
	ChatID    int64          `json:"chat_id"`
	Ordinal   int64          `json:"ordinal"`
	Record    *MessageRecord `json:"record,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client is the facade over the messaging service. Events are delivered
// at most once: nothing is buffered across a disconnect, which is why the
// scheduled crawl must run independently.
type Client interface {
	// ListConversations returns all conversations visible to the account.
	ListConversations(ctx context.Context) ([]ChatRef, error)

	// FetchPage returns up to limit messages with ordinals strictly
	// greater than afterOrdinal, in increasing ordinal order, plus whether
	// more pages may follow.
	FetchPage(ctx context.Context, chatID, afterOrdinal int64, limit int) ([]MessageRecord, bool, error)

	// FetchMedia returns the raw bytes for a content identifier.
	FetchMedia(ctx context.Context, contentID string) ([]byte, error)

	// Subscribe opens the live event stream for the given chats. The
	// returned channel is closed when the stream fails; the caller
	// reconnects with backoff.
	Subscribe(ctx context.Context, chatIDs []int64) (<-chan Event, error)
}

// RateLimitedError signals "wait and retry the same request". It never
// advances any engine state.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// FatalError signals that the current chat's cycle must abort: revoked
// auth, an inaccessible chat, a protocol violation. Other chats continue.
type FatalError struct {
	Code int
	Msg  string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("remote fatal error %d: %s", e.Code, e.Msg)
}
