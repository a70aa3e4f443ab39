// Package contract keeps the remote generation context current: the
// component-contract document the model is prompted with, and the
// resolved version of the renderer package. Both are served under a TTL
// with graceful degradation when the upstream is unreachable.
package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/schemaforge/internal/fetch"
)

// DefaultTTL is the maximum age at which a cached resource is served
// without attempting a refresh.
const DefaultTTL = 5 * time.Minute

// ErrContextUnavailable means no contract document could be obtained from
// the network, memory, or the disk mirror. Expected only on a brand-new
// deployment with no connectivity.
var ErrContextUnavailable = errors.New("contract document unavailable")

// Source identifies where the currently cached document came from.
type Source string

const (
	SourceRemote Source = "remote"
	SourceMemory Source = "memory"
	SourceDisk   Source = "disk"
)

// DocumentCache owns the in-memory and on-disk copy of the contract
// document. Reads during a refresh always observe the previous complete
// value; the new value is swapped in atomically after a full fetch.
type DocumentCache struct {
	fetcher fetch.Getter
	url     string
	mirror  string
	ttl     time.Duration
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	content   string
	fetchedAt time.Time // zero means unknown age (loaded from disk)
	source    Source
}

// NewDocumentCache creates a DocumentCache that fetches url and mirrors
// successful fetches to mirrorPath.
func NewDocumentCache(fetcher fetch.Getter, url, mirrorPath string, ttl time.Duration) *DocumentCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DocumentCache{
		fetcher: fetcher,
		url:     url,
		mirror:  mirrorPath,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Document returns the latest-known contract document. It fails only on a
// cold start where the network, memory, and the disk mirror all come up
// empty; once any source has succeeded it degrades instead of failing.
func (c *DocumentCache) Document(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.content != "" && !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		doc := c.content
		c.mu.RUnlock()
		return doc, nil
	}
	c.mu.RUnlock()

	// Concurrent expiries collapse into one in-flight refresh.
	v, err, _ := c.group.Do("document", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Snapshot reports the current cache entry without triggering a refresh.
func (c *DocumentCache) Snapshot() (content string, fetchedAt time.Time, source Source) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.content, c.fetchedAt, c.source
}

// refresh walks the fallback tiers: fresh fetch, stale memory, disk
// mirror, hard failure.
func (c *DocumentCache) refresh(ctx context.Context) (string, error) {
	// A refresh that queued behind another flight may find the cache
	// fresh already.
	c.mu.RLock()
	if c.content != "" && !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		doc := c.content
		c.mu.RUnlock()
		return doc, nil
	}
	c.mu.RUnlock()

	body, fetchErr := c.fetcher.Get(ctx, c.url)
	if fetchErr == nil && len(body) > 0 {
		doc := string(body)
		c.mu.Lock()
		c.content = doc
		c.fetchedAt = c.now()
		c.source = SourceRemote
		c.mu.Unlock()

		if err := c.writeMirror(body); err != nil {
			slog.Warn("contract mirror write failed", "path", c.mirror, "error", err)
		}
		return doc, nil
	}
	if fetchErr == nil {
		fetchErr = errors.New("empty document body")
	}

	// Stale memory beats unavailability.
	c.mu.Lock()
	stale := c.content
	if stale != "" {
		c.source = SourceMemory
	}
	c.mu.Unlock()
	if stale != "" {
		slog.Warn("serving stale contract document", "url", c.url, "error", fetchErr)
		return stale, nil
	}

	// Cold start with a dead network: fall back to the disk mirror. The
	// age stays unknown so the next call retries the network.
	if data, err := os.ReadFile(c.mirror); err == nil && len(data) > 0 {
		doc := string(data)
		c.mu.Lock()
		c.content = doc
		c.fetchedAt = time.Time{}
		c.source = SourceDisk
		c.mu.Unlock()
		slog.Warn("loaded contract document from disk mirror", "path", c.mirror, "error", fetchErr)
		return doc, nil
	}

	return "", fmt.Errorf("%w: %v", ErrContextUnavailable, fetchErr)
}

// writeMirror persists the document atomically via temp file + rename.
func (c *DocumentCache) writeMirror(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.mirror), 0o755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	tmp := c.mirror + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp mirror: %w", err)
	}
	if err := os.Rename(tmp, c.mirror); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp mirror: %w", err)
	}
	return nil
}
