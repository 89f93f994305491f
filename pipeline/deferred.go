// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/avdoc"

	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Patcher applies the second phase of a two-phase write.
type Patcher interface {
	Patch(ctx context.Context, id string, patch avdoc.EnrichmentPatch) error
}

// DeferredConfig configures a [Deferred] patcher.
type DeferredConfig struct {
	// Concurrency bounds how many documents are enriched at once.
	Concurrency int

	// JobTimeout bounds the enrichment and patch of a single document.
	JobTimeout time.Duration

	// Backlog bounds how many jobs may wait for a free worker. Jobs
	// submitted beyond it are dropped.
	Backlog int
}

// Deferred enriches documents in the background and patches them into the
// store. Jobs are best-effort: a failed or dropped job is logged, leaving
// the document with its default enrichment fields.
type Deferred struct {
	log     *slog.Logger
	results metric.Int64Counter

	enricher Enricher
	patcher  Patcher
	timeout  time.Duration

	// admitted holds a token per running or waiting job, workers one per
	// running job.
	admitted chan struct{}
	workers  chan struct{}

	mu     sync.RWMutex
	pool   *pool.Pool
	closed bool
}

// NewDeferred initializes a [Deferred] patcher.
func NewDeferred(cfg DeferredConfig, enricher Enricher, patcher Patcher) *Deferred {
	log := avconnector.Logger("github.com/z5labs/avconnector/pipeline")

	results, err := otel.Meter("github.com/z5labs/avconnector/pipeline").Int64Counter(
		"avconnector.pipeline.deferred",
		metric.WithDescription("Total number of deferred enrichment jobs by result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		log.Warn("failed to create deferred metric", slog.Any("error", err))
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	backlog := cfg.Backlog
	if backlog < 0 {
		backlog = 0
	}

	return &Deferred{
		log:      log,
		results:  results,
		enricher: enricher,
		patcher:  patcher,
		timeout:  timeout,
		admitted: make(chan struct{}, concurrency+backlog),
		workers:  make(chan struct{}, concurrency),
		pool:     pool.New(),
	}
}

// Submit schedules enrichment of an already written document without
// waiting for a free worker. It reports false when the job was dropped,
// either because the backlog is full or [Deferred.Close] was called.
func (d *Deferred) Submit(ctx context.Context, id avdoc.Identity, rec avdoc.RawRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.log.WarnContext(ctx, "dropping deferred enrichment after shutdown", slog.String("avdoc.id", id.String()))
		d.record(ctx, "dropped")
		return false
	}

	select {
	case d.admitted <- struct{}{}:
	default:
		d.log.WarnContext(ctx, "dropping deferred enrichment, backlog is full", slog.String("avdoc.id", id.String()))
		d.record(ctx, "dropped")
		return false
	}

	jobCtx := context.WithoutCancel(ctx)
	d.pool.Go(func() {
		defer func() { <-d.admitted }()

		d.workers <- struct{}{}
		defer func() { <-d.workers }()

		d.run(jobCtx, id, rec)
	})
	return true
}

func (d *Deferred) run(ctx context.Context, id avdoc.Identity, rec avdoc.RawRecord) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	key := id.String()
	result, err := d.enricher.Enrich(ctx, id, rec)
	if err != nil {
		d.log.ErrorContext(ctx, "deferred enrichment failed", slog.String("avdoc.id", key), slog.Any("error", err))
		d.record(ctx, "failed")
		return
	}

	err = d.patcher.Patch(ctx, key, result.Document.Patch())
	if err != nil {
		d.log.ErrorContext(ctx, "failed to patch deferred enrichment", slog.String("avdoc.id", key), slog.Any("error", err))
		d.record(ctx, "failed")
		return
	}

	if len(result.Degraded) > 0 {
		d.log.InfoContext(ctx, "patched degraded enrichment", slog.String("avdoc.id", key), slog.Any("reasons", result.Degraded))
	}
	d.record(ctx, "patched")
}

func (d *Deferred) record(ctx context.Context, result string) {
	if d.results == nil {
		return
	}
	d.results.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// Close stops accepting jobs and waits for running ones to finish or for
// ctx to be done, whichever comes first.
func (d *Deferred) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.pool.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
