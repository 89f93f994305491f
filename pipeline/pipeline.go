// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package pipeline turns a single log message into at most one indexed
// document.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/avdoc"
	"github.com/z5labs/avconnector/dedup"
	"github.com/z5labs/avconnector/enrich"
	"github.com/z5labs/avconnector/queue"
	"github.com/z5labs/avconnector/queue/kafka"
	"github.com/z5labs/avconnector/store"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultDeferThreshold is the content size above which enrichment is
// deferred until after the initial write.
const DefaultDeferThreshold = 32 << 10

// Gate resolves record identities against the store.
type Gate interface {
	Resolve(ctx context.Context, rec avdoc.RawRecord) (dedup.Resolution, error)
	Lock(id avdoc.Identity) (unlock func())
}

// Enricher builds enriched documents.
type Enricher interface {
	Enrich(ctx context.Context, id avdoc.Identity, rec avdoc.RawRecord) (enrich.Result, error)
}

// Config configures a [Pipeline].
type Config struct {
	// DeferThreshold is the content size in bytes above which the document
	// is first written with defaults and enriched in the background.
	DeferThreshold int
}

// Pipeline handles messages for the Kafka runtime.
type Pipeline struct {
	log      *slog.Logger
	outcomes metric.Int64Counter

	gate      Gate
	enricher  Enricher
	store     store.Store
	deferred  *Deferred
	threshold int
}

// New initializes a [Pipeline].
func New(cfg Config, gate Gate, enricher Enricher, s store.Store, deferred *Deferred) *Pipeline {
	log := avconnector.Logger("github.com/z5labs/avconnector/pipeline")

	outcomes, err := otel.Meter("github.com/z5labs/avconnector/pipeline").Int64Counter(
		"avconnector.pipeline.outcomes",
		metric.WithDescription("Total number of messages by outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		log.Warn("failed to create outcomes metric", slog.Any("error", err))
	}

	threshold := cfg.DeferThreshold
	if threshold <= 0 {
		threshold = DefaultDeferThreshold
	}

	return &Pipeline{
		log:       log,
		outcomes:  outcomes,
		gate:      gate,
		enricher:  enricher,
		store:     s,
		deferred:  deferred,
		threshold: threshold,
	}
}

// Process implements the [queue.Processor] interface. Invalid messages
// fail with an error wrapping [queue.ErrSkip] so they are quarantined
// rather than retried. Store failures wrap [queue.ErrHold] so the message
// stays unresolved until the store recovers.
func (p *Pipeline) Process(ctx context.Context, msg kafka.Message) error {
	out, err := p.Handle(ctx, msg)
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, store.ErrConflict) {
		return queue.Hold(err)
	}
	if err != nil {
		return err
	}

	if p.outcomes != nil {
		p.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", out.Kind())))
	}

	attrs := []any{
		kafka.TopicAttr(msg.Topic),
		kafka.PartitionAttr(msg.Partition),
		kafka.OffsetAttr(msg.Offset),
		slog.String("outcome", out.Kind()),
	}
	switch o := out.(type) {
	case Enriched:
		p.log.DebugContext(ctx, "indexed document", append(attrs, slog.String("avdoc.id", o.ID))...)
	case Degraded:
		p.log.InfoContext(ctx, "indexed degraded document", append(attrs, slog.String("avdoc.id", o.ID), slog.String("reasons", o.String()))...)
	case Skipped:
		if o.Reason == SkipInvalid {
			return queue.Skip(o.Cause)
		}
		p.log.DebugContext(ctx, "skipped message", append(attrs, slog.String("avdoc.id", o.ID), slog.String("reason", o.Reason))...)
	}
	return nil
}

// Handle resolves msg. A non-nil error leaves the message unresolved and
// nothing is claimed about the store.
func (p *Pipeline) Handle(ctx context.Context, msg kafka.Message) (Outcome, error) {
	var rec avdoc.RawRecord
	err := json.Unmarshal(msg.Value, &rec)
	if err != nil {
		return Skipped{Reason: SkipInvalid, Cause: fmt.Errorf("%w: %w", avdoc.ErrInvalidRecord, err)}, nil
	}

	id, err := rec.Identity()
	if err != nil {
		return Skipped{Reason: SkipInvalid, Cause: err}, nil
	}
	key := id.String()

	unlock := p.gate.Lock(id)
	defer unlock()

	res, err := p.gate.Resolve(ctx, rec)
	if err != nil {
		if errors.Is(err, avdoc.ErrInvalidRecord) {
			return Skipped{ID: key, Reason: SkipInvalid, Cause: err}, nil
		}
		return nil, err
	}
	if res.AlreadyExists {
		return Skipped{ID: key, Reason: SkipDuplicate}, nil
	}

	if len(rec.Content) > p.threshold && p.deferred != nil {
		err = p.store.WriteInitial(ctx, key, avdoc.NewDocument(id, rec))
		if err != nil {
			return nil, err
		}
		if !p.deferred.Submit(ctx, id, rec) {
			return Degraded{ID: key, Reasons: []string{ReasonDeferralDropped}}, nil
		}
		return Degraded{ID: key, Reasons: []string{ReasonDeferred}}, nil
	}

	result, err := p.enricher.Enrich(ctx, id, rec)
	if err != nil {
		return nil, err
	}

	err = p.store.WriteInitial(ctx, key, result.Document)
	if err != nil {
		return nil, err
	}
	if len(result.Degraded) > 0 {
		return Degraded{ID: key, Reasons: result.Degraded}, nil
	}
	return Enriched{ID: key}, nil
}
