// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package connector wires the configured handles into a running connector.
package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/app"
	"github.com/z5labs/avconnector/config"
	"github.com/z5labs/avconnector/dedup"
	"github.com/z5labs/avconnector/enrich"
	"github.com/z5labs/avconnector/health"
	"github.com/z5labs/avconnector/internal/opsserver"
	"github.com/z5labs/avconnector/internal/otel"
	"github.com/z5labs/avconnector/pipeline"
	"github.com/z5labs/avconnector/quarantine"
	"github.com/z5labs/avconnector/queue"
	"github.com/z5labs/avconnector/queue/kafka"
	"github.com/z5labs/avconnector/store"
	"github.com/z5labs/avconnector/store/elasticsearch"
	"github.com/z5labs/avconnector/store/postgres"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// documentStore is what the connector needs from a store backend.
type documentStore interface {
	store.Store
	Ping(ctx context.Context) error
}

// Init returns the builder of a connector configured by cfg. Every handle
// it opens is released by a hook registered right after the handle is
// created.
func Init(cfg config.Config) func(context.Context, *app.HookRegistry) (app.Runtime, error) {
	return func(ctx context.Context, h *app.HookRegistry) (app.Runtime, error) {
		shutdownOTel, err := otel.Initialize(ctx, cfg.OTel)
		h.OnPostRun(app.HookFunc(shutdownOTel))
		if err != nil {
			return nil, fmt.Errorf("initialize telemetry: %w", err)
		}

		log := avconnector.Logger("github.com/z5labs/avconnector/internal/connector")

		ds, err := initStore(ctx, cfg.Store, h)
		if err != nil {
			return nil, err
		}

		sink, err := initQuarantineSink(ctx, cfg.Quarantine)
		if err != nil {
			return nil, err
		}

		client := enrich.NewClient(
			cfg.Enrichment.SentimentURL,
			cfg.Enrichment.NERURL,
			enrich.Timeout(cfg.Enrichment.Timeout),
			enrich.BreakAfter(cfg.Enrichment.BreakerFailures, cfg.Enrichment.BreakerOpenTimeout),
		)
		orchestrator := enrich.NewOrchestrator(client, enrich.Config{
			TargetLanguage:      cfg.Enrichment.TargetLanguage,
			TranslateURL:        cfg.Enrichment.TranslateURL,
			TranslateEnglishURL: cfg.Enrichment.TranslateEnglishURL,
			EnrichedSources:     cfg.Enrichment.EnrichedSources,
			EntityThreshold:     cfg.Enrichment.EntityThreshold,
			NestedEntities:      cfg.Enrichment.NestedEntities,
		})

		deferred := pipeline.NewDeferred(
			pipeline.DeferredConfig{
				Concurrency: cfg.Pipeline.DeferredConcurrency,
				JobTimeout:  cfg.Pipeline.DeferredJobTimeout,
				Backlog:     cfg.Pipeline.DeferredBacklog,
			},
			orchestrator,
			ds,
		)
		h.OnPostRun(deferred.Close)

		p := pipeline.New(
			pipeline.Config{DeferThreshold: cfg.Pipeline.DeferThreshold},
			dedup.NewGate(ds),
			orchestrator,
			ds,
			deferred,
		)

		kafkaCfg, err := kafkaConfig(cfg.Kafka)
		if err != nil {
			return nil, err
		}

		assigned := &health.Binary{}
		rt, err := kafka.NewRuntime(
			kafkaCfg,
			p,
			kafka.Quarantine(quarantine.New(sink)),
			kafka.Readiness(assigned),
		)
		if err != nil {
			return nil, err
		}

		ls, err := net.Listen("tcp", cfg.Ops.Addr)
		if err != nil {
			return nil, fmt.Errorf("listen on ops address %s: %w", cfg.Ops.Addr, err)
		}

		c := &connector{
			log:      log,
			queue:    queue.NewRuntime(rt),
			liveness: &health.Binary{},
		}
		c.ops = opsserver.New(
			ls,
			c.liveness,
			health.And(assigned, health.Ping(ds.Ping)),
		)
		return c, nil
	}
}

type connector struct {
	log      *slog.Logger
	queue    app.Runtime
	ops      *opsserver.Server
	liveness *health.Binary
}

// Run consumes until ctx is cancelled. The ops server outlives the queue
// runtime so health checks keep answering while in-flight records drain.
func (c *connector) Run(ctx context.Context) error {
	c.liveness.MarkHealthy()

	queueCtx, cancelQueue := context.WithCancel(ctx)
	defer cancelQueue()

	opsCtx, stopOps := context.WithCancel(context.WithoutCancel(ctx))
	defer stopOps()

	opsErr := make(chan error, 1)
	go func() {
		defer close(opsErr)

		err := c.ops.Run(opsCtx)
		if err != nil {
			c.log.ErrorContext(ctx, "ops server stopped", slog.Any("error", err))
			cancelQueue()
		}
		opsErr <- err
	}()

	err := c.queue.Run(queueCtx)
	if err != nil {
		c.liveness.MarkUnhealthy()
	}

	stopOps()
	return errors.Join(err, <-opsErr)
}

func initStore(ctx context.Context, cfg config.Store, h *app.HookRegistry) (documentStore, error) {
	switch cfg.Backend {
	case config.Postgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		h.OnPostRun(func(context.Context) error {
			pool.Close()
			return nil
		})

		s := postgres.New(pool, postgres.Table(cfg.Postgres.Table))
		if cfg.Postgres.Migrate {
			err = s.Migrate(ctx)
			if err != nil {
				return nil, err
			}
		}
		return s, nil
	case config.Elasticsearch:
		base := http.DefaultTransport.(*http.Transport).Clone()
		h.OnPostRun(func(context.Context) error {
			base.CloseIdleConnections()
			return nil
		})

		es, err := elasticsearch.NewClient(cfg.Elasticsearch.Hosts, otelhttp.NewTransport(base))
		if err != nil {
			return nil, fmt.Errorf("create elasticsearch client: %w", err)
		}

		s := elasticsearch.New(
			es,
			elasticsearch.Index(cfg.Elasticsearch.Index),
			elasticsearch.RetryOnConflict(cfg.Elasticsearch.RetryOnConflict),
			elasticsearch.Refresh(cfg.Elasticsearch.Refresh),
		)
		if cfg.Elasticsearch.EnsureIndex {
			err = s.EnsureIndex(ctx)
			if err != nil {
				return nil, err
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q", cfg.Backend)
	}
}

func initQuarantineSink(ctx context.Context, cfg config.Quarantine) (quarantine.Sink, error) {
	if cfg.MinIO.Endpoint == "" {
		return quarantine.Discard{}, nil
	}

	mc, err := quarantine.NewMinIOClient(
		cfg.MinIO.Endpoint,
		cfg.MinIO.AccessKey,
		cfg.MinIO.SecretKey,
		cfg.MinIO.Secure,
	)
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	sink := quarantine.NewMinIO(mc, cfg.MinIO.Bucket)
	err = sink.EnsureBucket(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure quarantine bucket %s: %w", cfg.MinIO.Bucket, err)
	}
	return sink, nil
}

func kafkaConfig(cfg config.Kafka) (kafka.Config, error) {
	tlsCfg, err := tlsConfig(cfg.TLS)
	if err != nil {
		return kafka.Config{}, err
	}

	return kafka.Config{
		Brokers:          cfg.Brokers,
		GroupID:          cfg.GroupID,
		Topics:           cfg.Topics,
		ResetOffset:      cfg.ResetOffset,
		SessionTimeout:   cfg.SessionTimeout,
		RebalanceTimeout: cfg.RebalanceTimeout,
		FetchMaxBytes:    cfg.FetchMaxBytes,
		MaxPollRecords:   cfg.MaxPollRecords,
		Concurrency:      cfg.Concurrency,
		MaxAttempts:      cfg.MaxAttempts,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		TLS:              tlsCfg,
	}, nil
}

func tlsConfig(cfg config.TLS) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tc := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read kafka ca file: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in kafka ca file %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load kafka client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}
