// Package media stores fetched media blobs on disk, deduplicated by the
// remote content identifier. The remote service guarantees identical
// uploads share an identifier, so no byte hashing is needed.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrOversized is returned when a fetch produces more bytes than the
// configured ceiling. The caller records the media as oversized and never
// retries it automatically.
var ErrOversized = errors.New("media exceeds size ceiling")

// FetchFunc retrieves the raw bytes for a content identifier.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Dedup maps remote content identifiers to local files. Materialize is
// safe to call concurrently for the same identifier from the crawler and
// the live listener: the bytes are written once, by whoever got there
// first.
type Dedup struct {
	dir     string
	maxSize int64

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// New creates a deduplicator rooted at dir. maxSize <= 0 disables the
// size ceiling.
func New(dir string, maxSize int64) *Dedup {
	return &Dedup{
		dir:      dir,
		maxSize:  maxSize,
		inflight: make(map[string]chan struct{}),
	}
}

// Path returns the local path a content identifier maps to, whether or not
// the file exists yet. Files are sharded into two-character subdirectories
// to keep directory sizes sane.
func (d *Dedup) Path(contentID string) string {
	name := sanitize(contentID)
	shard := "00"
	if len(name) >= 2 {
		shard = strings.ToLower(name[:2])
	}
	return filepath.Join(d.dir, shard, name)
}

// Resolve reports whether the content is already materialized locally.
func (d *Dedup) Resolve(contentID string) (string, bool) {
	path := d.Path(contentID)
	if _, err := os.Stat(path); err != nil {
		return path, false
	}
	return path, true
}

// Materialize ensures the content's bytes exist locally, fetching them if
// needed, and returns the local path. Concurrent calls for the same
// identifier single-flight: later callers wait for the first fetch and
// short-circuit on its result instead of re-fetching.
func (d *Dedup) Materialize(ctx context.Context, contentID string, fetch FetchFunc) (string, error) {
	for {
		if path, ok := d.Resolve(contentID); ok {
			return path, nil
		}

		d.mu.Lock()
		if ch, ok := d.inflight[contentID]; ok {
			d.mu.Unlock()
			select {
			case <-ch:
				// First writer finished (or failed); loop to re-check.
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		ch := make(chan struct{})
		d.inflight[contentID] = ch
		d.mu.Unlock()

		path, err := d.fetchAndWrite(ctx, contentID, fetch)

		d.mu.Lock()
		delete(d.inflight, contentID)
		close(ch)
		d.mu.Unlock()

		return path, err
	}
}

func (d *Dedup) fetchAndWrite(ctx context.Context, contentID string, fetch FetchFunc) (string, error) {
	data, err := fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", contentID, err)
	}
	if d.maxSize > 0 && int64(len(data)) > d.maxSize {
		return "", fmt.Errorf("%s: %d bytes: %w", contentID, len(data), ErrOversized)
	}

	path := d.Path(contentID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves a partial
	// file at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close media: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename media: %w", err)
	}
	return path, nil
}

// Remove deletes materialized files. Missing files are not an error.
func (d *Dedup) Remove(paths []string) {
	for _, p := range paths {
		// Refuse anything outside the media root.
		if rel, err := filepath.Rel(d.dir, p); err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		_ = os.Remove(p)
	}
}

func sanitize(contentID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, contentID)
}
