// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import "log/slog"

// GroupIDAttr returns a slog attribute for the Kafka consumer group ID.
func GroupIDAttr(groupID string) slog.Attr {
	return slog.String("messaging.consumer.group.name", groupID)
}

// TopicAttr returns a slog attribute for the Kafka topic.
func TopicAttr(topic string) slog.Attr {
	return slog.String("messaging.destination.name", topic)
}

// PartitionAttr returns a slog attribute for the Kafka partition.
func PartitionAttr(partition int32) slog.Attr {
	return slog.Int64("messaging.destination.partition.id", int64(partition))
}

// OffsetAttr returns a slog attribute for the Kafka offset.
func OffsetAttr(offset int64) slog.Attr {
	return slog.Int64("messaging.kafka.offset", offset)
}

// BatchSizeAttr returns a slog attribute for the number of records in a batch.
func BatchSizeAttr(n int) slog.Attr {
	return slog.Int("messaging.batch.message_count", n)
}

func stateAttrs(from, to state) slog.Attr {
	return slog.Group("state", slog.String("from", from.String()), slog.String("to", to.String()))
}
