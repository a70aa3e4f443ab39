// Package bundle materializes the renderer's script/stylesheet pair on
// local disk, exactly once per resolved version.
package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/user/schemaforge/internal/fetch"
)

const (
	scriptAsset = "dist/renderer.min.js"
	styleAsset  = "dist/renderer.min.css"
)

// Pair describes the two local artifact files for one version.
type Pair struct {
	Version    string `json:"version"`
	ScriptPath string `json:"script_path"`
	StylePath  string `json:"style_path"`
}

// Resolver downloads bundle artifacts keyed by version. Ensure is
// idempotent for a version and safe to invoke concurrently: same-version
// callers serialize on a per-version lock, distinct versions proceed in
// parallel. A failed download leaves no files behind.
type Resolver struct {
	fetcher fetch.Getter
	baseURL string
	dir     string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates a Resolver that downloads from the
// version-parameterized baseURL (unpkg-style "<base>@<version>/<asset>")
// into dir.
func NewResolver(fetcher fetch.Getter, baseURL, dir string) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		baseURL: baseURL,
		dir:     dir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock returns the per-version mutex, creating one if it doesn't exist.
func (r *Resolver) lock(version string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[version]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[version] = l
	return l
}

// Paths returns the deterministic local paths for a version without
// touching the network or the filesystem.
func (r *Resolver) Paths(version string) Pair {
	safe := sanitize(version)
	return Pair{
		Version:    version,
		ScriptPath: filepath.Join(r.dir, "renderer-"+safe+".js"),
		StylePath:  filepath.Join(r.dir, "renderer-"+safe+".css"),
	}
}

// Present reports whether both artifacts for a version already exist
// non-empty on disk.
func (r *Resolver) Present(version string) bool {
	p := r.Paths(version)
	return fileNonEmpty(p.ScriptPath) && fileNonEmpty(p.StylePath)
}

// Ensure makes both artifacts for version available on local disk and
// returns their paths. If they already exist the call is a no-op. Both
// downloads must succeed before anything is written; either failing
// fails the call as a whole with no partial files, and a later retry is
// safe.
func (r *Resolver) Ensure(ctx context.Context, version string) (Pair, error) {
	pair := r.Paths(version)

	l := r.lock(version)
	l.Lock()
	defer l.Unlock()

	if fileNonEmpty(pair.ScriptPath) && fileNonEmpty(pair.StylePath) {
		return pair, nil
	}

	var script, style []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		script, err = r.download(gctx, version, scriptAsset)
		return err
	})
	g.Go(func() error {
		var err error
		style, err = r.download(gctx, version, styleAsset)
		return err
	})
	if err := g.Wait(); err != nil {
		return Pair{}, fmt.Errorf("bundle %s: %w", version, err)
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Pair{}, fmt.Errorf("create bundle dir: %w", err)
	}
	if err := writeAtomic(pair.ScriptPath, script); err != nil {
		return Pair{}, fmt.Errorf("bundle %s: %w", version, err)
	}
	if err := writeAtomic(pair.StylePath, style); err != nil {
		// Never leave a half-written pair observable.
		os.Remove(pair.ScriptPath)
		return Pair{}, fmt.Errorf("bundle %s: %w", version, err)
	}

	return pair, nil
}

func (r *Resolver) download(ctx context.Context, version, asset string) ([]byte, error) {
	url := fmt.Sprintf("%s@%s/%s", r.baseURL, version, asset)
	body, err := r.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty artifact body: %s", url)
	}
	return body, nil
}

// writeAtomic writes data via temp file + rename.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp artifact: %w", err)
	}
	return nil
}

func fileNonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// sanitize maps a version string onto a filename-safe form. Versions come
// from the registry and are normally plain semver, but the sentinel and
// dist-tags may carry arbitrary characters.
func sanitize(version string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '.' || c == '-' || c == '_':
			return c
		default:
			return '_'
		}
	}, version)
}
