// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/avdoc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Service is the set of enrichment capabilities used by the [Orchestrator].
// [Client] implements it.
type Service interface {
	Translate(ctx context.Context, url string, req TranslateRequest) (string, error)
	AnalyzeSentiment(ctx context.Context, req SentimentRequest) (avdoc.Sentiment, error)
	ExtractEntities(ctx context.Context, req ExtractRequest) ([]avdoc.Entity, error)
}

// Config configures an [Orchestrator].
type Config struct {
	// TargetLanguage is the canonical language every document is translated into.
	TargetLanguage string

	// TranslateURL serves every source language except English.
	TranslateURL string

	// TranslateEnglishURL serves English sources. Defaults to TranslateURL.
	TranslateEnglishURL string

	// EnrichedSources restricts enrichment to the listed source names.
	// An empty list enriches every source.
	EnrichedSources []string

	EntityThreshold float64
	NestedEntities  bool
}

// Result is an enriched document along with the reasons, if any, some of
// its fields were left at their defaults.
type Result struct {
	Document avdoc.Document
	Degraded []string
}

// Orchestrator turns a raw record into an enriched document.
type Orchestrator struct {
	log    *slog.Logger
	tracer trace.Tracer
	svc    Service

	target       string
	translateURL string
	englishURL   string
	sources      map[string]struct{}
	threshold    float64
	nested       bool
}

// NewOrchestrator initializes an [Orchestrator].
func NewOrchestrator(svc Service, cfg Config) *Orchestrator {
	englishURL := cfg.TranslateEnglishURL
	if englishURL == "" {
		englishURL = cfg.TranslateURL
	}

	var sources map[string]struct{}
	if len(cfg.EnrichedSources) > 0 {
		sources = make(map[string]struct{}, len(cfg.EnrichedSources))
		for _, s := range cfg.EnrichedSources {
			sources[s] = struct{}{}
		}
	}

	return &Orchestrator{
		log:          avconnector.Logger("github.com/z5labs/avconnector/enrich"),
		tracer:       otel.Tracer("github.com/z5labs/avconnector/enrich"),
		svc:          svc,
		target:       cfg.TargetLanguage,
		translateURL: cfg.TranslateURL,
		englishURL:   englishURL,
		sources:      sources,
		threshold:    cfg.EntityThreshold,
		nested:       cfg.NestedEntities,
	}
}

// Enrich builds the enriched document for the record.
//
// Content and title translation, sentiment analysis and entity extraction run
// concurrently. A translation failure fails the whole call with
// [ErrEnrichmentFailed]. Every other failure leaves the affected fields at
// their defaults and is reported in [Result.Degraded].
func (o *Orchestrator) Enrich(ctx context.Context, id avdoc.Identity, rec avdoc.RawRecord) (Result, error) {
	spanCtx, span := o.tracer.Start(ctx, "enrich", trace.WithAttributes(
		attribute.String("avdoc.id", id.String()),
		attribute.String("avdoc.language", rec.LanguageID),
	))
	defer span.End()

	res, err := o.enrich(spanCtx, id, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if len(res.Degraded) > 0 {
		span.SetAttributes(attribute.StringSlice("avdoc.degraded", res.Degraded))
	}
	return res, nil
}

func (o *Orchestrator) enrich(ctx context.Context, id avdoc.Identity, rec avdoc.RawRecord) (Result, error) {
	doc := avdoc.NewDocument(id, rec)
	if !o.enrolled(rec.SourceName) {
		return Result{Document: doc, Degraded: []string{ReasonSourceNotEnrolled}}, nil
	}

	var (
		mu       sync.Mutex
		degraded []string
	)
	degrade := func(reason string, err error) {
		o.log.WarnContext(
			ctx,
			"degrading document",
			slog.String("avdoc.id", id.String()),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		mu.Lock()
		defer mu.Unlock()
		degraded = append(degraded, reason)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if IsAccepted(rec.LanguageID) {
		eg.Go(func() error {
			translation, err := o.Translate(egCtx, rec.Content, rec.LanguageID)
			if err != nil {
				return fmt.Errorf("translate content: %w", err)
			}
			doc.Translation = translation
			return nil
		})
		eg.Go(func() error {
			translation, err := o.Translate(egCtx, rec.Title, rec.LanguageID)
			if err != nil {
				return fmt.Errorf("translate title: %w", err)
			}
			doc.TitleTranslation = translation
			return nil
		})
	} else {
		degrade(ReasonInvalidLanguage, fmt.Errorf("%w: %q", ErrInvalidLanguage, rec.LanguageID))
	}
	eg.Go(func() error {
		sentiment, err := o.Sentiment(egCtx, rec.Content, rec.LanguageID)
		if err != nil {
			degrade(ReasonSentimentFailed, err)
		}
		doc.ContentSentiment = sentiment
		return nil
	})
	eg.Go(func() error {
		entities, err := o.Entities(egCtx, rec)
		if err != nil {
			degrade(ReasonEntitiesFailed, err)
			return nil
		}
		entities.Apply(&doc)
		return nil
	})

	err := eg.Wait()
	if err != nil {
		return Result{}, err
	}
	return Result{Document: doc, Degraded: degraded}, nil
}

func (o *Orchestrator) enrolled(sourceName string) bool {
	if o.sources == nil {
		return true
	}
	_, ok := o.sources[sourceName]
	return ok
}

func (o *Orchestrator) endpoint(lang string) string {
	if lang == English {
		return o.englishURL
	}
	return o.translateURL
}

// Translate renders text into the target language. Text already in the
// target language is returned unchanged without calling the service.
func (o *Orchestrator) Translate(ctx context.Context, text, lang string) (string, error) {
	return o.translate(ctx, text, lang, o.target)
}

func (o *Orchestrator) translate(ctx context.Context, text, src, tgt string) (string, error) {
	if !IsAccepted(src) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, src)
	}
	if src == tgt || strings.TrimSpace(text) == "" {
		return text, nil
	}

	return o.svc.Translate(ctx, o.endpoint(src), TranslateRequest{
		Text:        text,
		SrcLangCode: src,
		TgtLangCode: tgt,
	})
}

// Sentiment classifies text. Non-English text is translated into English
// first. The result is [avdoc.Neutral] for empty text, an unsupported
// language or any failure; a non-nil error only explains the latter.
func (o *Orchestrator) Sentiment(ctx context.Context, text, lang string) (avdoc.Sentiment, error) {
	if strings.TrimSpace(text) == "" || !IsAccepted(lang) {
		return avdoc.Neutral, nil
	}

	english, err := o.translate(ctx, text, lang, English)
	if err != nil {
		return avdoc.Neutral, err
	}

	sentiment, err := o.svc.AnalyzeSentiment(ctx, SentimentRequest{Text: english})
	if err != nil {
		return avdoc.Neutral, err
	}
	return sentiment, nil
}

// Entities extracts persons, locations and organizations from the title and
// content in their original language. Blank content yields no entities and
// no service call.
func (o *Orchestrator) Entities(ctx context.Context, rec avdoc.RawRecord) (avdoc.Entities, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return avdoc.PartitionEntities(nil), nil
	}

	text := rec.Content
	if title := strings.TrimSpace(rec.Title); title != "" {
		text = title + "\n" + rec.Content
	}

	es, err := o.svc.ExtractEntities(ctx, NewExtractRequest(text, avdoc.EntityKinds, o.threshold, o.nested))
	if err != nil {
		return avdoc.PartitionEntities(nil), err
	}
	return avdoc.PartitionEntities(es), nil
}
