// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// consumerMetrics holds the instruments describing the batch loop. A failed
// instrument registration leaves a nil instrument which is skipped.
type consumerMetrics struct {
	messagesProcessed  metric.Int64Counter
	messagesCommitted  metric.Int64Counter
	processingFailures metric.Int64Counter
	quarantined        metric.Int64Counter
	recoveries         metric.Int64Counter
	batchDuration      metric.Float64Histogram
}

func initConsumerMetrics(log *slog.Logger) consumerMetrics {
	m := meter()

	messagesProcessed, err := m.Int64Counter(
		"messaging.client.messages.processed",
		metric.WithDescription("Total number of Kafka messages resolved by the processor"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		log.Warn("failed to create messages processed metric", slog.Any("error", err))
	}

	messagesCommitted, err := m.Int64Counter(
		"messaging.client.messages.committed",
		metric.WithDescription("Total number of Kafka messages whose offsets were committed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		log.Warn("failed to create messages committed metric", slog.Any("error", err))
	}

	processingFailures, err := m.Int64Counter(
		"messaging.client.processing.failures",
		metric.WithDescription("Total number of failed processing attempts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		log.Warn("failed to create processing failures metric", slog.Any("error", err))
	}

	quarantined, err := m.Int64Counter(
		"messaging.client.messages.quarantined",
		metric.WithDescription("Total number of Kafka messages quarantined after exhausting their attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		log.Warn("failed to create messages quarantined metric", slog.Any("error", err))
	}

	recoveries, err := m.Int64Counter(
		"messaging.client.coordination.recoveries",
		metric.WithDescription("Total number of reconnects after losing group coordination"),
		metric.WithUnit("{recovery}"),
	)
	if err != nil {
		log.Warn("failed to create coordination recoveries metric", slog.Any("error", err))
	}

	batchDuration, err := m.Float64Histogram(
		"messaging.client.batch.duration",
		metric.WithDescription("Time taken to process and commit a single batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Warn("failed to create batch duration metric", slog.Any("error", err))
	}

	return consumerMetrics{
		messagesProcessed:  messagesProcessed,
		messagesCommitted:  messagesCommitted,
		processingFailures: processingFailures,
		quarantined:        quarantined,
		recoveries:         recoveries,
		batchDuration:      batchDuration,
	}
}

func partitionAttrs(topic string, partition int32) metric.AddOption {
	return metric.WithAttributes(
		semconv.MessagingSystemKafka,
		semconv.MessagingDestinationName(topic),
		semconv.MessagingDestinationPartitionID(strconv.FormatInt(int64(partition), 10)),
	)
}

func (m consumerMetrics) recordProcessed(ctx context.Context, msg Message) {
	if m.messagesProcessed == nil {
		return
	}
	m.messagesProcessed.Add(ctx, 1, partitionAttrs(msg.Topic, msg.Partition))
}

func (m consumerMetrics) recordFailure(ctx context.Context, msg Message) {
	if m.processingFailures == nil {
		return
	}
	m.processingFailures.Add(ctx, 1, partitionAttrs(msg.Topic, msg.Partition))
}

func (m consumerMetrics) recordQuarantined(ctx context.Context, msg Message) {
	if m.quarantined == nil {
		return
	}
	m.quarantined.Add(ctx, 1, partitionAttrs(msg.Topic, msg.Partition))
}

func (m consumerMetrics) recordCommitted(ctx context.Context, tp topicPartition, count int) {
	if m.messagesCommitted == nil || count == 0 {
		return
	}
	m.messagesCommitted.Add(ctx, int64(count), partitionAttrs(tp.topic, tp.partition))
}

func (m consumerMetrics) recordRecovery(ctx context.Context) {
	if m.recoveries == nil {
		return
	}
	m.recoveries.Add(ctx, 1)
}

func (m consumerMetrics) recordBatch(ctx context.Context, start time.Time, size int) {
	if m.batchDuration == nil {
		return
	}
	m.batchDuration.Record(
		ctx,
		time.Since(start).Seconds(),
		metric.WithAttributes(attribute.Int("messaging.batch.message_count", size)),
	)
}
