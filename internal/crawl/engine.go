// Package crawl implements the scheduled incremental pull loop: per chat,
// read checkpoint, fetch pages strictly after the cursor, commit batches
// atomically, advance the cursor. The crawler is the only component that
// advances checkpoints; the live listener closes latency gaps, the crawler
// closes completeness gaps.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andrecp/telemirror/internal/bus"
	"github.com/andrecp/telemirror/internal/checkpoint"
	"github.com/andrecp/telemirror/internal/config"
	"github.com/andrecp/telemirror/internal/media"
	"github.com/andrecp/telemirror/internal/remote"
	"github.com/andrecp/telemirror/internal/store"
)

const maxPageRetries = 5

// SyncResult summarizes one chat's crawl.
type SyncResult struct {
	ChatID      int64
	NewMessages int
	Err         error
}

// CycleInfo summarizes the most recent crawl cycle. It is owned by the
// engine and handed to status queries explicitly, never read from ambient
// globals.
type CycleInfo struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	ChatsSynced int
	ChatsFailed int
	NewMessages int
}

// Engine orchestrates crawl cycles across all tracked chats.
type Engine struct {
	db     *store.DB
	ckpt   *checkpoint.Manager
	client remote.Client
	dedup  *media.Dedup
	cfg    *config.Config
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	inFlight  map[int64]bool
	lastCycle CycleInfo
}

// NewEngine creates a crawl engine.
func NewEngine(db *store.DB, ckpt *checkpoint.Manager, client remote.Client, dedup *media.Dedup, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		ckpt:     ckpt,
		client:   client,
		dedup:    dedup,
		cfg:      cfg,
		bus:      b,
		logger:   logger,
		inFlight: make(map[int64]bool),
	}
}

// LastCycle returns a copy of the most recent cycle summary.
func (e *Engine) LastCycle() CycleInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCycle
}

// RunCycle performs one crawl pass: list conversations, drop chats that
// left the tracked set, then sync every tracked chat with bounded
// parallelism. One chat's failure never blocks the others.
func (e *Engine) RunCycle(ctx context.Context) (CycleInfo, error) {
	info := CycleInfo{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
	}
	log := e.logger.With(zap.String("run_id", info.RunID))
	log.Info("crawl cycle starting")
	e.bus.Publish(bus.Event{Kind: "crawl.cycle_started", Timestamp: info.StartedAt, Payload: info.RunID})

	refs, err := e.client.ListConversations(ctx)
	if err != nil {
		return info, fmt.Errorf("list conversations: %w", err)
	}

	if err := e.dropUntracked(); err != nil {
		log.Warn("failed to drop untracked chats", zap.Error(err))
	}

	var tracked []remote.ChatRef
	for _, ref := range refs {
		if !e.cfg.Tracked(ref.ID) {
			continue
		}
		if err := e.db.UpsertChat(&store.Chat{ID: ref.ID, Kind: string(ref.Kind), Title: ref.Title}); err != nil {
			return info, fmt.Errorf("upsert chat %d: %w", ref.ID, err)
		}
		tracked = append(tracked, ref)
	}

	results := make(chan SyncResult, len(tracked))
	sem := make(chan struct{}, e.cfg.Crawl.Workers)
	var wg sync.WaitGroup
	for _, ref := range tracked {
		wg.Add(1)
		go func(ref remote.ChatRef) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- e.SyncChat(ctx, ref.ID)
		}(ref)
	}
	wg.Wait()
	close(results)

	for res := range results {
		if res.Err != nil {
			info.ChatsFailed++
		} else {
			info.ChatsSynced++
		}
		info.NewMessages += res.NewMessages
	}

	if err := e.retryUnfetchedMedia(ctx); err != nil {
		log.Warn("retrying unfetched media failed", zap.Error(err))
	}

	info.FinishedAt = time.Now()
	e.mu.Lock()
	e.lastCycle = info
	e.mu.Unlock()

	log.Info("crawl cycle finished",
		zap.Int("chats_synced", info.ChatsSynced),
		zap.Int("chats_failed", info.ChatsFailed),
		zap.Int("new_messages", info.NewMessages),
		zap.Duration("took", info.FinishedAt.Sub(info.StartedAt)))
	e.bus.Publish(bus.Event{Kind: "crawl.cycle_finished", Timestamp: info.FinishedAt, Payload: info})
	return info, nil
}

// SyncChat runs the incremental pull loop for one chat. A chat already
// being crawled is skipped: the schedule may fire again before a long
// backfill finishes.
func (e *Engine) SyncChat(ctx context.Context, chatID int64) SyncResult {
	e.mu.Lock()
	if e.inFlight[chatID] {
		e.mu.Unlock()
		return SyncResult{ChatID: chatID}
	}
	e.inFlight[chatID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, chatID)
		e.mu.Unlock()
	}()

	log := e.logger.With(zap.Int64("chat_id", chatID))
	if err := e.db.SetChatSyncStatus(chatID, store.SyncRunning, ""); err != nil {
		return SyncResult{ChatID: chatID, Err: err}
	}

	newCount, err := e.syncChat(ctx, chatID, log)
	if err != nil {
		log.Error("chat sync failed", zap.Error(err))
		_ = e.db.SetChatSyncStatus(chatID, store.SyncError, err.Error())
		e.bus.Publish(bus.Event{Kind: "crawl.chat_failed", Timestamp: time.Now(), Payload: chatID})
		return SyncResult{ChatID: chatID, NewMessages: newCount, Err: err}
	}

	now := time.Now().UnixMilli()
	if err := e.db.SetChatBackupTime(chatID, now); err != nil {
		return SyncResult{ChatID: chatID, NewMessages: newCount, Err: err}
	}
	if err := e.db.SetChatSyncStatus(chatID, store.SyncIdle, ""); err != nil {
		return SyncResult{ChatID: chatID, NewMessages: newCount, Err: err}
	}

	if newCount > 0 {
		log.Info("chat synced", zap.Int("new_messages", newCount))
	}
	e.bus.Publish(bus.Event{Kind: "crawl.chat_synced", Timestamp: time.Now(), Payload: SyncResult{ChatID: chatID, NewMessages: newCount}})
	return SyncResult{ChatID: chatID, NewMessages: newCount}
}

func (e *Engine) syncChat(ctx context.Context, chatID int64, log *zap.Logger) (int, error) {
	st, err := e.ckpt.ReadState(chatID)
	if err != nil {
		return 0, err
	}

	newCount := 0

	// Crash-resume: an in-flight range from a prior run is unconfirmed.
	// Re-fetch and re-apply it before moving on; idempotent upserts make
	// the re-apply safe whether or not the store transaction landed.
	if st.InFlight != nil {
		log.Info("resuming in-flight batch",
			zap.Int64("lo", st.InFlight.Lo), zap.Int64("hi", st.InFlight.Hi))
		n, err := e.reapplyRange(ctx, chatID, st.InFlight.Lo, st.InFlight.Hi)
		if err != nil {
			return 0, fmt.Errorf("resume in-flight batch: %w", err)
		}
		newCount += n
		cursor := st.Cursor
		if st.InFlight.Hi > cursor {
			cursor = st.InFlight.Hi
		}
		if err := e.ckpt.CommitBatch(chatID, cursor); err != nil {
			return newCount, err
		}
		st.Cursor = cursor
	}

	cursor := st.Cursor
	for {
		records, more, err := e.fetchPage(ctx, chatID, cursor, e.cfg.Crawl.BatchSize)
		if err != nil {
			return newCount, err
		}
		if len(records) == 0 {
			break
		}

		if err := e.applyPage(ctx, chatID, records); err != nil {
			return newCount, err
		}
		newCount += len(records)
		cursor = records[len(records)-1].Ordinal

		// A short page means the incremental range is exhausted.
		if !more || len(records) < e.cfg.Crawl.BatchSize {
			break
		}
	}

	return newCount, nil
}

// fetchPage fetches one page with the per-page timeout, retrying in place
// on rate limiting. Rate-limit waits never advance any state.
func (e *Engine) fetchPage(ctx context.Context, chatID, afterOrdinal int64, limit int) ([]remote.MessageRecord, bool, error) {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		pageCtx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout())
		records, more, err := e.client.FetchPage(pageCtx, chatID, afterOrdinal, limit)
		cancel()
		if err == nil {
			return records, more, nil
		}

		var rl *remote.RateLimitedError
		if !errors.As(err, &rl) || attempt >= maxPageRetries {
			return nil, false, fmt.Errorf("fetch page after %d: %w", afterOrdinal, err)
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = backoff
			backoff *= 2
		}
		e.logger.Warn("rate limited, retrying page",
			zap.Int64("chat_id", chatID), zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// applyPage commits one page: checkpoint the range, apply the batch
// atomically, then advance the cursor. The BeginBatch write is durable
// before the store transaction starts, so a crash anywhere in between is
// detected and re-applied on the next run, never silently skipped.
func (e *Engine) applyPage(ctx context.Context, chatID int64, records []remote.MessageRecord) error {
	msgs := make([]*store.Message, 0, len(records))
	var reactions []*store.Reaction
	mediaByID := make(map[string]*store.Media)

	for i := range records {
		rec := &records[i]
		msgs = append(msgs, rec.ToStoreMessage(chatID))
		reactions = append(reactions, rec.ToStoreReactions(chatID)...)

		if rec.Media != nil {
			if _, seen := mediaByID[rec.Media.ContentID]; !seen {
				row, err := e.ensureMedia(ctx, rec.Media)
				if err != nil {
					return err
				}
				mediaByID[rec.Media.ContentID] = row
			}
		}
	}

	mediaRows := make([]*store.Media, 0, len(mediaByID))
	for _, m := range mediaByID {
		mediaRows = append(mediaRows, m)
	}

	lo := records[0].Ordinal
	hi := records[len(records)-1].Ordinal
	if err := e.ckpt.BeginBatch(chatID, lo, hi); err != nil {
		return err
	}
	if err := e.db.ApplyBatch(msgs, reactions, mediaRows); err != nil {
		return fmt.Errorf("apply batch [%d,%d]: %w", lo, hi, err)
	}
	if err := e.ckpt.CommitBatch(chatID, hi); err != nil {
		return err
	}
	return nil
}

// reapplyRange re-fetches and re-applies an unconfirmed ordinal range.
// Messages deleted remotely since the crash simply come back absent; the
// range is still considered covered.
func (e *Engine) reapplyRange(ctx context.Context, chatID, lo, hi int64) (int, error) {
	applied := 0
	after := lo - 1
	for after < hi {
		limit := int(hi - after)
		if limit > e.cfg.Crawl.BatchSize {
			limit = e.cfg.Crawl.BatchSize
		}
		records, _, err := e.fetchPage(ctx, chatID, after, limit)
		if err != nil {
			return applied, err
		}
		if len(records) == 0 {
			break
		}

		// Clamp to the range: the remote may return newer ordinals too.
		inRange := records[:0]
		for _, rec := range records {
			if rec.Ordinal <= hi {
				inRange = append(inRange, rec)
			}
		}
		if len(inRange) == 0 {
			break
		}
		if err := e.applyPageRows(ctx, chatID, inRange); err != nil {
			return applied, err
		}
		applied += len(inRange)
		after = inRange[len(inRange)-1].Ordinal
	}
	return applied, nil
}

// applyPageRows applies rows without touching the checkpoint; used for
// re-applying an already-recorded in-flight range.
func (e *Engine) applyPageRows(ctx context.Context, chatID int64, records []remote.MessageRecord) error {
	msgs := make([]*store.Message, 0, len(records))
	var reactions []*store.Reaction
	mediaByID := make(map[string]*store.Media)
	for i := range records {
		rec := &records[i]
		msgs = append(msgs, rec.ToStoreMessage(chatID))
		reactions = append(reactions, rec.ToStoreReactions(chatID)...)
		if rec.Media != nil {
			if _, seen := mediaByID[rec.Media.ContentID]; !seen {
				row, err := e.ensureMedia(ctx, rec.Media)
				if err != nil {
					return err
				}
				mediaByID[rec.Media.ContentID] = row
			}
		}
	}
	mediaRows := make([]*store.Media, 0, len(mediaByID))
	for _, m := range mediaByID {
		mediaRows = append(mediaRows, m)
	}
	return e.db.ApplyBatch(msgs, reactions, mediaRows)
}

// ensureMedia resolves a media reference to a store row, fetching the
// bytes if they are not already materialized. Oversized media is recorded
// with no local path and never retried; a plain fetch failure leaves the
// row unfetched so the next cycle tries again.
func (e *Engine) ensureMedia(ctx context.Context, ref *remote.MediaRef) (*store.Media, error) {
	existing, err := e.db.GetMedia(ref.ContentID)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.Oversized || existing.LocalPath != "") {
		return existing, nil
	}

	row := &store.Media{
		ContentID: ref.ContentID,
		FileName:  ref.FileName,
		MimeType:  ref.MimeType,
		SizeBytes: ref.SizeBytes,
	}

	// The size hint lets us skip the fetch entirely.
	if e.cfg.Media.MaxSizeBytes > 0 && ref.SizeBytes > e.cfg.Media.MaxSizeBytes {
		row.Oversized = true
		e.logger.Warn("media exceeds size ceiling, skipping",
			zap.String("content_id", ref.ContentID), zap.Int64("size", ref.SizeBytes))
		return row, nil
	}

	path, err := e.dedup.Materialize(ctx, ref.ContentID, func(ctx context.Context) ([]byte, error) {
		return e.fetchMediaRetry(ctx, ref.ContentID)
	})
	switch {
	case errors.Is(err, media.ErrOversized):
		row.Oversized = true
		e.logger.Warn("media exceeds size ceiling, skipping",
			zap.String("content_id", ref.ContentID))
	case err != nil:
		// The row commits without bytes; retryUnfetchedMedia sweeps it up
		// on the next cycle since no page re-fetch will see it again.
		e.logger.Warn("media fetch failed, will retry next cycle",
			zap.String("content_id", ref.ContentID), zap.Error(err))
	default:
		row.LocalPath = path
		row.FetchedAt = time.Now().UnixMilli()
	}
	return row, nil
}

// fetchMediaRetry fetches media bytes, retrying in place on rate limiting
// the same way fetchPage does.
func (e *Engine) fetchMediaRetry(ctx context.Context, contentID string) ([]byte, error) {
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout())
		data, err := e.client.FetchMedia(fetchCtx, contentID)
		cancel()
		if err == nil {
			return data, nil
		}

		var rl *remote.RateLimitedError
		if !errors.As(err, &rl) || attempt >= maxPageRetries {
			return nil, err
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = backoff
			backoff *= 2
		}
		e.logger.Warn("rate limited, retrying media",
			zap.String("content_id", contentID), zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// retryUnfetchedMedia re-attempts media rows recorded without bytes. Their
// owning messages are already committed behind the cursor, so this sweep
// is the only path that ever fetches them again.
func (e *Engine) retryUnfetchedMedia(ctx context.Context) error {
	rows, err := e.db.ListUnfetchedMedia(e.cfg.Crawl.BatchSize)
	if err != nil {
		return err
	}
	for i := range rows {
		row := &rows[i]
		path, err := e.dedup.Materialize(ctx, row.ContentID, func(ctx context.Context) ([]byte, error) {
			return e.fetchMediaRetry(ctx, row.ContentID)
		})
		switch {
		case errors.Is(err, media.ErrOversized):
			row.Oversized = true
		case err != nil:
			e.logger.Warn("media fetch failed again, will retry next cycle",
				zap.String("content_id", row.ContentID), zap.Error(err))
			continue
		default:
			row.LocalPath = path
			row.FetchedAt = time.Now().UnixMilli()
		}
		if err := e.db.UpsertMedia(row); err != nil {
			return err
		}
	}
	return nil
}

// dropUntracked removes chats that were explicitly excluded from the
// tracked set since the last cycle: rows and media files both go.
func (e *Engine) dropUntracked() error {
	chats, err := e.db.ListChats()
	if err != nil {
		return err
	}
	for _, c := range chats {
		if e.cfg.Tracked(c.ID) {
			continue
		}
		if err := e.RemoveChat(c.ID); err != nil {
			return fmt.Errorf("remove untracked chat %d: %w", c.ID, err)
		}
		e.logger.Info("removed untracked chat", zap.Int64("chat_id", c.ID))
	}
	return nil
}

// RemoveChat deletes a chat's rows, checkpoint, and any media files no
// longer referenced by another chat.
func (e *Engine) RemoveChat(chatID int64) error {
	paths, err := e.db.DeleteChat(chatID)
	if err != nil {
		return err
	}
	e.dedup.Remove(paths)
	e.bus.Publish(bus.Event{Kind: "crawl.chat_removed", Timestamp: time.Now(), Payload: chatID})
	return nil
}
