package listener

import (
	"sync"
	"time"
)

// DeleteLimiter rate-limits deletion propagation per chat. A burst of
// deletions larger than the threshold within the window looks like a
// mass-wipe or account compromise, so the overflow is deferred rather than
// applied immediately. Deferred deletions are never dropped: they drain as
// the window rolls forward.
type DeleteLimiter struct {
	window    time.Duration
	threshold int
	now       func() time.Time

	mu       sync.Mutex
	recent   map[int64][]time.Time
	deferred map[int64][]DeferredDelete
}

// DeferredDelete is a queued deletion. DeletedAt is the remote deletion
// time from the original event, preserved so deferral does not skew the
// tombstone timestamp.
type DeferredDelete struct {
	Ordinal   int64
	DeletedAt int64
}

// NewDeleteLimiter creates a limiter allowing threshold deletions per chat
// per window.
func NewDeleteLimiter(window time.Duration, threshold int) *DeleteLimiter {
	return &DeleteLimiter{
		window:    window,
		threshold: threshold,
		now:       time.Now,
		recent:    make(map[int64][]time.Time),
		deferred:  make(map[int64][]DeferredDelete),
	}
}

// Admit asks to apply a deletion now. Returns true if the deletion is
// within budget; false means it was queued and will surface from Drain
// once the window rolls. Order is preserved: while a chat has a deferred
// backlog, new deletions queue behind it.
func (l *DeleteLimiter) Admit(chatID, ordinal, deletedAt int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(chatID)
	if len(l.deferred[chatID]) > 0 || len(l.recent[chatID]) >= l.threshold {
		l.deferred[chatID] = append(l.deferred[chatID], DeferredDelete{Ordinal: ordinal, DeletedAt: deletedAt})
		return false
	}
	l.recent[chatID] = append(l.recent[chatID], l.now())
	return true
}

// Drain returns deferred deletions that fit the current window budget,
// counting them against it. Call periodically.
func (l *DeleteLimiter) Drain() map[int64][]DeferredDelete {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out map[int64][]DeferredDelete
	for chatID, queue := range l.deferred {
		l.prune(chatID)
		var released []DeferredDelete
		for len(queue) > 0 && len(l.recent[chatID]) < l.threshold {
			released = append(released, queue[0])
			queue = queue[1:]
			l.recent[chatID] = append(l.recent[chatID], l.now())
		}
		if len(queue) == 0 {
			delete(l.deferred, chatID)
		} else {
			l.deferred[chatID] = queue
		}
		if len(released) > 0 {
			if out == nil {
				out = make(map[int64][]DeferredDelete)
			}
			out[chatID] = released
		}
	}
	return out
}

// Pending returns the number of deferred deletions across all chats.
func (l *DeleteLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, q := range l.deferred {
		n += len(q)
	}
	return n
}

// prune drops admissions older than the window. Caller holds the lock.
func (l *DeleteLimiter) prune(chatID int64) {
	cutoff := l.now().Add(-l.window)
	times := l.recent[chatID]
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	if i == len(times) {
		delete(l.recent, chatID)
		return
	}
	l.recent[chatID] = times[i:]
}
