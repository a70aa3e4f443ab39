package contract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/user/schemaforge/internal/fetch"
)

// VersionLatest is the fallback identifier served before any successful
// resolution. Bundle URLs built from it defer to the upstream's idea of
// the newest published version.
const VersionLatest = "latest"

// VersionResolver tracks the resolved version of the renderer package.
// Version never fails: a resolver failure keeps the previous value, and
// before any resolution the sentinel VersionLatest is served.
type VersionResolver struct {
	fetcher  fetch.Getter
	url      string
	ttl      time.Duration
	now      func() time.Time
	onChange func(version string)

	group singleflight.Group

	mu         sync.RWMutex
	value      string
	resolvedAt time.Time // zero means never resolved
}

// NewVersionResolver creates a VersionResolver against the given registry
// endpoint. onChange, if non-nil, is invoked asynchronously each time a
// resolution produces a value different from the previous one.
func NewVersionResolver(fetcher fetch.Getter, url string, ttl time.Duration, onChange func(version string)) *VersionResolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &VersionResolver{
		fetcher:  fetcher,
		url:      url,
		ttl:      ttl,
		now:      time.Now,
		onChange: onChange,
		value:    VersionLatest,
	}
}

// Version returns the current resolved version, refreshing it when the
// TTL has lapsed. Resolution failures are absorbed: the last known-good
// value (or the sentinel) is always returned.
func (r *VersionResolver) Version(ctx context.Context) string {
	r.mu.RLock()
	if !r.resolvedAt.IsZero() && r.now().Sub(r.resolvedAt) < r.ttl {
		v := r.value
		r.mu.RUnlock()
		return v
	}
	r.mu.RUnlock()

	v, _, _ := r.group.Do("version", func() (any, error) {
		return r.resolve(ctx), nil
	})
	return v.(string)
}

// registryResponse is the only part of the registry document consumed.
type registryResponse struct {
	Version string `json:"version"`
}

func (r *VersionResolver) resolve(ctx context.Context) string {
	r.mu.RLock()
	prev := r.value
	if !r.resolvedAt.IsZero() && r.now().Sub(r.resolvedAt) < r.ttl {
		r.mu.RUnlock()
		return prev
	}
	r.mu.RUnlock()

	body, err := r.fetcher.Get(ctx, r.url)
	if err == nil {
		var resp registryResponse
		if jsonErr := json.Unmarshal(body, &resp); jsonErr != nil {
			err = jsonErr
		} else if resp.Version == "" {
			err = errors.New("registry response missing version field")
		} else {
			r.mu.Lock()
			r.value = resp.Version
			r.resolvedAt = r.now()
			r.mu.Unlock()

			if resp.Version != prev && r.onChange != nil {
				// Fire-and-forget: a bundle failure degrades rendering but
				// must not block version bookkeeping.
				go r.onChange(resp.Version)
			}
			return resp.Version
		}
	}

	// Malformed responses degrade exactly like transport failures.
	slog.Warn("version resolution failed, keeping previous value", "url", r.url, "value", prev, "error", err)
	return prev
}
