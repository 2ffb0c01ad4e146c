// Package listener consumes the live event stream to close the latency
// gap between crawl cycles. It writes with the same idempotent upserts as
// the crawler but never advances checkpoint cursors: live delivery is at
// most once, so only the crawler's confirmed pulls count as coverage.
package listener

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/andrecp/telemirror/internal/bus"
	"github.com/andrecp/telemirror/internal/checkpoint"
	"github.com/andrecp/telemirror/internal/config"
	"github.com/andrecp/telemirror/internal/media"
	"github.com/andrecp/telemirror/internal/remote"
	"github.com/andrecp/telemirror/internal/status"
	"github.com/andrecp/telemirror/internal/store"
)

const (
	reconnectBase = time.Second
	reconnectMax  = time.Minute
	drainEvery    = 500 * time.Millisecond
)

// Listener subscribes to the live event stream and mirrors deltas as they
// happen. Stream loss degrades, never fails: the scheduled crawl recovers
// anything missed while disconnected.
type Listener struct {
	db      *store.DB
	ckpt    *checkpoint.Manager
	client  remote.Client
	dedup   *media.Dedup
	cfg     *config.Config
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	limiter *DeleteLimiter

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a listener.
func New(db *store.DB, ckpt *checkpoint.Manager, client remote.Client, dedup *media.Dedup, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Listener {
	return &Listener{
		db:      db,
		ckpt:    ckpt,
		client:  client,
		dedup:   dedup,
		cfg:     cfg,
		machine: machine,
		bus:     b,
		logger:  logger,
		limiter: NewDeleteLimiter(cfg.DeleteWindow(), cfg.Listener.DeleteThreshold),
	}
}

// Start launches the subscribe/consume loop.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
}

// PendingDeletions reports deferred deletions awaiting rate-limit budget.
func (l *Listener) PendingDeletions() int {
	return l.limiter.Pending()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := reconnectBase
	for ctx.Err() == nil {
		ids, err := l.trackedChatIDs()
		if err != nil {
			l.logger.Error("listing tracked chats", zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		ch, err := l.client.Subscribe(ctx, ids)
		if err != nil {
			_ = l.machine.Transition(status.Degraded)
			l.logger.Warn("event stream unavailable", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = reconnectBase
		_ = l.machine.Transition(status.Idle)
		l.logger.Info("event stream connected", zap.Int("chats", len(ids)))

		l.consume(ctx, ch)
		if ctx.Err() == nil {
			_ = l.machine.Transition(status.Reconnecting)
			l.logger.Warn("event stream lost, reconnecting")
		}
	}
}

// consume processes events until the stream closes or ctx ends, draining
// deferred deletions on a side ticker.
func (l *Listener) consume(ctx context.Context, ch <-chan remote.Event) {
	ticker := time.NewTicker(drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.applyDeferred()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			l.handle(ctx, evt)
		}
	}
}

func (l *Listener) handle(ctx context.Context, evt remote.Event) {
	if !l.cfg.Tracked(evt.ChatID) {
		return
	}

	var err error
	switch evt.Kind {
	case remote.EventNew:
		err = l.handleNew(ctx, evt)
	case remote.EventEdit:
		err = l.handleEdit(evt)
	case remote.EventDelete:
		err = l.handleDelete(evt)
	default:
		l.logger.Debug("ignoring unknown event kind", zap.String("kind", string(evt.Kind)))
		return
	}
	if err != nil {
		l.logger.Error("applying live event failed",
			zap.String("kind", string(evt.Kind)),
			zap.Int64("chat_id", evt.ChatID),
			zap.Int64("ordinal", evt.Ordinal),
			zap.Error(err))
	}
}

// handleNew ingests a freshly delivered message. Ordinals at or below the
// chat's committed cursor are already covered by a crawl; re-applying them
// would be harmless but is skipped to avoid the media round trip.
func (l *Listener) handleNew(ctx context.Context, evt remote.Event) error {
	if evt.Record == nil {
		return errors.New("new event without record")
	}
	st, err := l.ckpt.ReadState(evt.ChatID)
	if err != nil {
		return err
	}
	if evt.Ordinal <= st.Cursor {
		return nil
	}

	rec := evt.Record
	var mediaRows []*store.Media
	if rec.Media != nil {
		row, err := l.ensureMedia(ctx, rec.Media)
		if err != nil {
			return err
		}
		mediaRows = append(mediaRows, row)
	}

	if err := l.db.ApplyBatch(
		[]*store.Message{rec.ToStoreMessage(evt.ChatID)},
		rec.ToStoreReactions(evt.ChatID),
		mediaRows,
	); err != nil {
		return err
	}
	l.bus.Publish(bus.Event{Kind: "listener.message", Timestamp: time.Now(), Payload: evt.ChatID})
	return nil
}

// handleEdit applies an edit to a message we already hold. Edits to
// unknown ordinals are ignored; the next crawl fetches the final content
// anyway.
func (l *Listener) handleEdit(evt remote.Event) error {
	if !l.cfg.Listener.Edits {
		return nil
	}
	if evt.Record == nil {
		return errors.New("edit event without record")
	}
	editedAt := evt.Record.EditedAt
	if editedAt == 0 {
		editedAt = evt.Timestamp
	}
	applied, err := l.db.UpdateMessageEdit(evt.ChatID, evt.Ordinal, evt.Record.Text, editedAt)
	if err != nil {
		return err
	}
	if !applied {
		l.logger.Debug("edit for unknown message, deferring to crawl",
			zap.Int64("chat_id", evt.ChatID), zap.Int64("ordinal", evt.Ordinal))
	}
	return nil
}

// handleDelete tombstones a message, subject to the per-chat rate limit.
func (l *Listener) handleDelete(evt remote.Event) error {
	if !l.cfg.Listener.Deletions {
		return nil
	}
	if !l.limiter.Admit(evt.ChatID, evt.Ordinal, evt.Timestamp) {
		l.logger.Warn("deletion burst, deferring",
			zap.Int64("chat_id", evt.ChatID),
			zap.Int64("ordinal", evt.Ordinal),
			zap.Int("pending", l.limiter.Pending()))
		l.bus.Publish(bus.Event{Kind: "listener.deletion_deferred", Timestamp: time.Now(), Payload: evt.ChatID})
		return nil
	}
	return l.tombstone(evt.ChatID, evt.Ordinal, evt.Timestamp)
}

// applyDeferred flushes deferred deletions whose window budget has freed up.
func (l *Listener) applyDeferred() {
	for chatID, dels := range l.limiter.Drain() {
		for _, d := range dels {
			if err := l.tombstone(chatID, d.Ordinal, d.DeletedAt); err != nil {
				l.logger.Error("applying deferred deletion failed",
					zap.Int64("chat_id", chatID), zap.Int64("ordinal", d.Ordinal), zap.Error(err))
			}
		}
	}
}

func (l *Listener) tombstone(chatID, ordinal, deletedAt int64) error {
	applied, err := l.db.TombstoneMessage(chatID, ordinal, deletedAt)
	if err != nil {
		return err
	}
	if !applied {
		l.logger.Debug("deletion for unknown message, ignoring",
			zap.Int64("chat_id", chatID), zap.Int64("ordinal", ordinal))
	}
	return nil
}

func (l *Listener) ensureMedia(ctx context.Context, ref *remote.MediaRef) (*store.Media, error) {
	existing, err := l.db.GetMedia(ref.ContentID)
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
	path, err := l.dedup.Materialize(ctx, ref.ContentID, func(ctx context.Context) ([]byte, error) {
		return l.client.FetchMedia(ctx, ref.ContentID)
	})
	switch {
	case errors.Is(err, media.ErrOversized):
		row.Oversized = true
	case err != nil:
		l.logger.Warn("live media fetch failed, crawl will retry",
			zap.String("content_id", ref.ContentID), zap.Error(err))
	default:
		row.LocalPath = path
		row.FetchedAt = time.Now().UnixMilli()
	}
	return row, nil
}

func (l *Listener) trackedChatIDs() ([]int64, error) {
	chats, err := l.db.ListChats()
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, c := range chats {
		if l.cfg.Tracked(c.ID) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
