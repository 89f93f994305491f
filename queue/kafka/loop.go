// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/z5labs/avconnector/health"
	"github.com/z5labs/avconnector/queue"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type state int

const (
	stateIdle state = iota
	stateFetching
	stateProcessing
	stateCommitting
	stateRecovering
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFetching:
		return "fetching"
	case stateProcessing:
		return "processing"
	case stateCommitting:
		return "committing"
	case stateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

type loop struct {
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   consumerMetrics
	cfg       Config
	processor queue.Processor[Message]
	opts      Options

	readiness *health.Binary
	cursor    *cursor
	state     atomic.Int32
	lost      atomic.Bool
}

func newLoop(log *slog.Logger, cfg Config, processor queue.Processor[Message], opts Options) *loop {
	return &loop{
		log:       log,
		tracer:    tracer(),
		metrics:   initConsumerMetrics(log),
		cfg:       cfg,
		processor: processor,
		opts:      opts,
		readiness: opts.readiness,
		cursor:    newCursor(),
	}
}

func (l *loop) transition(ctx context.Context, to state) {
	from := state(l.state.Swap(int32(to)))
	if from == to {
		return
	}
	l.log.DebugContext(ctx, "batch loop transition", stateAttrs(from, to))
}

func (l *loop) hooks() groupHooks {
	return groupHooks{
		onAssigned: l.readiness.MarkHealthy,
		onLost: func() {
			l.lost.Store(true)
		},
	}
}

func (l *loop) run(ctx context.Context) error {
	l.readiness.MarkUnhealthy()

	client, err := l.opts.dial(ctx, l.hooks())
	if err != nil {
		return err
	}
	defer func() {
		l.readiness.MarkUnhealthy()
		if client != nil {
			client.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			l.log.InfoContext(ctx, "batch loop stopped")
			return nil
		}

		err := l.iterate(ctx, client)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrCoordinationLost) {
			return err
		}

		l.log.WarnContext(ctx, "lost group coordination", slog.Any("error", err))
		client, err = l.recover(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// iterate runs a single Idle → FetchingBatch → ProcessingBatch →
// CommittingOffsets → Idle cycle.
func (l *loop) iterate(ctx context.Context, client groupClient) error {
	l.transition(ctx, stateFetching)
	fetches := client.PollRecords(ctx, l.cfg.MaxPollRecords)
	defer client.AllowRebalance()

	fetches.EachError(func(topic string, partition int32, err error) {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, kgo.ErrClientClosed) {
			return
		}
		l.log.WarnContext(
			ctx,
			"failed to fetch from partition",
			TopicAttr(topic),
			PartitionAttr(partition),
			slog.Any("error", err),
		)
	})

	records, stale := l.cursor.pending(fetches.Records())
	if stale > 0 {
		l.log.DebugContext(ctx, "dropped records below the committed offset", BatchSizeAttr(stale))
	}
	if len(records) == 0 {
		l.transition(ctx, stateIdle)
		return nil
	}

	start := time.Now()
	l.transition(ctx, stateProcessing)
	l.log.DebugContext(ctx, "processing batch", BatchSizeAttr(len(records)))
	resolved := l.processBatch(ctx, records)

	l.transition(ctx, stateCommitting)
	err := l.commit(ctx, client, records, resolved)
	l.metrics.recordBatch(ctx, start, len(records))
	l.transition(ctx, stateIdle)
	return err
}

// processBatch fans the batch out to a bounded pool and waits for every
// record to finish. Records keep processing for up to the shutdown timeout
// after ctx is cancelled.
func (l *loop) processBatch(ctx context.Context, records []*kgo.Record) []bool {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(l.cfg.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-workCtx.Done():
		case <-timer.C:
			cancelWork()
		}
	})
	defer stop()

	resolved := make([]bool, len(records))
	p := pool.New().WithMaxGoroutines(l.cfg.Concurrency)
	for i, r := range records {
		p.Go(func() {
			resolved[i] = l.processRecord(ctx, workCtx, r)
		})
	}
	p.Wait()
	return resolved
}

// processRecord reports whether the record was resolved, either by the
// processor or by the quarantine once every attempt failed. Records held
// by [queue.ErrHold] are never quarantined.
func (l *loop) processRecord(ctx, workCtx context.Context, r *kgo.Record) bool {
	msg := newMessage(r)

	spanOpts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationTypeProcess,
			semconv.MessagingDestinationName(r.Topic),
			semconv.MessagingKafkaOffset(int(r.Offset)),
		),
	}
	if r.Context != nil {
		if s := trace.SpanContextFromContext(r.Context); s.IsValid() {
			spanOpts = append(spanOpts, trace.WithLinks(trace.Link{SpanContext: s}))
		}
	}
	spanCtx, span := l.tracer.Start(workCtx, "process "+r.Topic, spanOpts...)
	defer span.End()

	b := backoff.WithContext(
		backoff.WithMaxRetries(l.opts.retryBackOff(), uint64(l.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(func() error {
		err := l.processor.Process(spanCtx, msg)
		if err == nil {
			return nil
		}
		l.metrics.recordFailure(spanCtx, msg)
		if errors.Is(err, queue.ErrSkip) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		l.metrics.recordProcessed(spanCtx, msg)
		return true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, queue.ErrHold) {
		l.log.WarnContext(
			spanCtx,
			"holding record until its dependency recovers",
			TopicAttr(r.Topic),
			PartitionAttr(r.Partition),
			OffsetAttr(r.Offset),
			slog.Any("error", err),
		)
		return false
	}
	if ctx.Err() != nil && !errors.Is(err, queue.ErrSkip) {
		l.log.WarnContext(
			spanCtx,
			"leaving record unresolved during shutdown",
			TopicAttr(r.Topic),
			PartitionAttr(r.Partition),
			OffsetAttr(r.Offset),
			slog.Any("error", err),
		)
		return false
	}

	qerr := l.opts.quarantine.Quarantine(spanCtx, msg, err)
	if qerr != nil {
		l.log.ErrorContext(
			spanCtx,
			"failed to quarantine record",
			TopicAttr(r.Topic),
			PartitionAttr(r.Partition),
			OffsetAttr(r.Offset),
			slog.Any("error", errors.Join(err, qerr)),
		)
		return false
	}
	l.metrics.recordQuarantined(spanCtx, msg)
	return true
}

// commit confirms group membership and then commits each partition up to
// its last record resolved without gaps. Partitions with an unresolved
// record are rewound so the record is fetched again.
func (l *loop) commit(ctx context.Context, client groupClient, records []*kgo.Record, resolved []bool) error {
	commitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ShutdownTimeout)
		defer cancel()
	}

	err := client.Heartbeat(commitCtx)
	if errors.Is(err, ErrCoordinationLost) {
		return err
	}
	if err != nil {
		l.log.WarnContext(ctx, "failed to confirm group membership before commit", slog.Any("error", err))
	}
	if l.lost.Swap(false) {
		return fmt.Errorf("%w: partitions lost during batch", ErrCoordinationLost)
	}

	commit, rewind := completedPrefix(records, resolved)
	if len(commit) > 0 {
		err = client.CommitRecords(commitCtx, commit...)
		if err != nil {
			return fmt.Errorf("%w: commit offsets: %w", ErrCoordinationLost, err)
		}
	}

	counts := make(map[topicPartition]int)
	for i, r := range records {
		if resolved[i] {
			counts[topicPartition{topic: r.Topic, partition: r.Partition}]++
		}
	}
	for _, r := range commit {
		tp := topicPartition{topic: r.Topic, partition: r.Partition}
		l.cursor.advance(tp, r.Offset+1)
		l.metrics.recordCommitted(ctx, tp, counts[tp])
		l.log.DebugContext(
			ctx,
			"committed offsets",
			TopicAttr(r.Topic),
			PartitionAttr(r.Partition),
			OffsetAttr(r.Offset+1),
		)
	}

	if len(rewind) > 0 {
		client.SetOffsets(rewind)
		for topic, partitions := range rewind {
			for partition, at := range partitions {
				l.log.WarnContext(
					ctx,
					"rewinding partition to unresolved record",
					TopicAttr(topic),
					PartitionAttr(partition),
					OffsetAttr(at.Offset),
				)
			}
		}
	}
	return nil
}

// recover replaces a client which lost coordination. It retries until a
// new client joins or ctx is cancelled.
func (l *loop) recover(ctx context.Context, old groupClient) (groupClient, error) {
	l.transition(ctx, stateRecovering)
	l.readiness.MarkUnhealthy()
	l.metrics.recordRecovery(ctx)
	old.Close()
	l.lost.Store(false)

	var client groupClient
	b := backoff.WithContext(l.opts.recoverBackOff(), ctx)
	err := backoff.RetryNotify(
		func() error {
			c, err := l.opts.dial(ctx, l.hooks())
			if err != nil {
				return err
			}
			client = c
			return nil
		},
		b,
		func(err error, d time.Duration) {
			l.log.WarnContext(ctx, "failed to reconnect to consumer group", slog.Duration("retry_in", d), slog.Any("error", err))
		},
	)
	if err != nil {
		return nil, err
	}

	offsets, err := client.CommittedOffsets(ctx)
	if err != nil {
		l.log.WarnContext(ctx, "failed to fetch committed offsets", slog.Any("error", err))
	} else {
		l.cursor.reset(offsets)
		for tp, at := range offsets {
			l.log.InfoContext(
				ctx,
				"resuming from committed offset",
				TopicAttr(tp.topic),
				PartitionAttr(tp.partition),
				OffsetAttr(at),
			)
		}
	}

	l.transition(ctx, stateIdle)
	return client, nil
}
