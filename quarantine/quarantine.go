// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package quarantine parks records which could not be indexed so they can
// be inspected and replayed without blocking the log.
package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/queue"
	"github.com/z5labs/avconnector/queue/kafka"
)

// Reasons recorded on an [Entry].
const (
	ReasonRejected  = "rejected"
	ReasonExhausted = "exhausted"
)

// Entry is a quarantined record along with why it was quarantined.
type Entry struct {
	Topic         string    `json:"topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Value         string    `json:"value"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	QuarantinedAt time.Time `json:"quarantinedAt"`
}

// NewEntry builds the [Entry] for a message which failed with cause.
// Errors wrapping [queue.ErrSkip] are recorded as rejected, everything
// else as exhausted.
func NewEntry(msg kafka.Message, cause error, now time.Time) Entry {
	reason := ReasonExhausted
	if errors.Is(cause, queue.ErrSkip) {
		reason = ReasonRejected
	}

	var errMsg string
	if cause != nil {
		errMsg = cause.Error()
	}

	return Entry{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Value:         string(msg.Value),
		Reason:        reason,
		Error:         errMsg,
		QuarantinedAt: now.UTC(),
	}
}

// ObjectKey is the unique location of the entry within a bucket.
func (e Entry) ObjectKey() string {
	return fmt.Sprintf("%s/%d/%d.json", e.Topic, e.Partition, e.Offset)
}

// Sink stores quarantined entries.
type Sink interface {
	Put(context.Context, Entry) error
}

// Quarantine implements [queue.Quarantiner] for Kafka messages on top of a [Sink].
type Quarantine struct {
	log  *slog.Logger
	sink Sink
	now  func() time.Time
}

// New initializes a [Quarantine].
func New(sink Sink) *Quarantine {
	return &Quarantine{
		log:  avconnector.Logger("github.com/z5labs/avconnector/quarantine"),
		sink: sink,
		now:  time.Now,
	}
}

// Quarantine implements the [queue.Quarantiner] interface.
func (q *Quarantine) Quarantine(ctx context.Context, msg kafka.Message, cause error) error {
	e := NewEntry(msg, cause, q.now())

	err := q.sink.Put(ctx, e)
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", e.ObjectKey(), err)
	}

	q.log.WarnContext(
		ctx,
		"quarantined record",
		kafka.TopicAttr(msg.Topic),
		kafka.PartitionAttr(msg.Partition),
		kafka.OffsetAttr(msg.Offset),
		slog.String("reason", e.Reason),
		slog.Any("error", cause),
	)
	return nil
}

// Discard is a [Sink] which drops every entry. It is used when no object
// store is configured; the entry is still logged by [Quarantine].
type Discard struct{}

// Put implements the [Sink] interface.
func (Discard) Put(context.Context, Entry) error {
	return nil
}
