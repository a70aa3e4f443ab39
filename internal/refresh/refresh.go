// Package refresh keeps the context resources warm in the background so
// generation requests rarely pay the fetch latency.
package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/schemaforge/internal/contract"
)

// passTimeout bounds one background refresh pass.
const passTimeout = 30 * time.Second

// Refresher periodically re-resolves the renderer version and refreshes
// the contract document. Failures are logged, never fatal; the caches'
// own fallback tiers keep requests answerable.
type Refresher struct {
	docs     *contract.DocumentCache
	versions *contract.VersionResolver
	schedule string
	cron     *cron.Cron
}

// New creates a Refresher on the given cron schedule (e.g. "@every 5m").
func New(docs *contract.DocumentCache, versions *contract.VersionResolver, schedule string) *Refresher {
	return &Refresher{
		docs:     docs,
		versions: versions,
		schedule: schedule,
		cron:     cron.New(),
	}
}

// Start registers the refresh job, runs one warm-up pass asynchronously,
// and starts the cron ticker.
func (r *Refresher) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.runPass); err != nil {
		return err
	}
	go r.runPass()
	r.cron.Start()
	slog.Info("background refresh started", "schedule", r.schedule)
	return nil
}

// Stop stops the cron ticker.
func (r *Refresher) Stop() {
	r.cron.Stop()
}

func (r *Refresher) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	version := r.versions.Version(ctx)
	slog.Debug("refresh pass resolved version", "version", version)

	if _, err := r.docs.Document(ctx); err != nil {
		slog.Warn("refresh pass could not obtain contract document", "error", err)
	}
}
