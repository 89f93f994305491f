// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/z5labs/avconnector/health"
	"github.com/z5labs/avconnector/queue"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrCoordinationLost is returned when the consumer group no longer
// recognizes this member, e.g. its session expired or a rebalance moved on
// without it. Offsets are never committed after it is observed.
var ErrCoordinationLost = errors.New("kafka: group coordination lost")

// Header represents a Kafka message header.
type Header struct {
	Key   string
	Value []byte
}

// Message represents a Kafka message.
type Message struct {
	Key       []byte
	Value     []byte
	Headers   []Header
	Timestamp time.Time
	Topic     string
	Partition int32
	Offset    int64
}

func newMessage(r *kgo.Record) Message {
	headers := make([]Header, len(r.Headers))
	for i, hdr := range r.Headers {
		headers[i] = Header{
			Key:   hdr.Key,
			Value: hdr.Value,
		}
	}

	return Message{
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
	}
}

// Config holds the Kafka consumer settings.
type Config struct {
	Brokers []string
	GroupID string
	Topics  []string

	// ResetOffset is where a group without committed offsets starts
	// consuming from: "earliest" or "latest".
	ResetOffset string

	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	FetchMaxBytes    int32

	// MaxPollRecords bounds the size of a single batch.
	MaxPollRecords int

	// Concurrency bounds how many records of a batch are processed at once.
	Concurrency int

	// MaxAttempts bounds how many times a failing record is processed
	// before it is quarantined.
	MaxAttempts int

	// ShutdownTimeout bounds draining in-flight records and committing
	// their offsets once shutdown begins.
	ShutdownTimeout time.Duration

	TLS *tls.Config
}

// Options are configurable parameters of a [Runtime].
type Options struct {
	quarantine     queue.Quarantiner[Message]
	readiness      *health.Binary
	retryBackOff   func() backoff.BackOff
	recoverBackOff func() backoff.BackOff
	dial           dialer
}

// Option sets a value on [Options].
type Option interface {
	ApplyOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyOption(o *Options) {
	f(o)
}

// Quarantine sets where records which exhausted their attempts are sent.
// By default they are only logged.
func Quarantine(q queue.Quarantiner[Message]) Option {
	return optionFunc(func(o *Options) {
		o.quarantine = q
	})
}

// Readiness is marked healthy while the runtime holds a group assignment
// and unhealthy while it is connecting or recovering.
func Readiness(b *health.Binary) Option {
	return optionFunc(func(o *Options) {
		o.readiness = b
	})
}

// RetryBackOff overrides the delay between attempts of a failing record.
func RetryBackOff(initial, max time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.retryBackOff = exponential(initial, max)
	})
}

// RecoverBackOff overrides the delay between reconnect attempts after
// group coordination is lost.
func RecoverBackOff(initial, max time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.recoverBackOff = exponential(initial, max)
	})
}

func exponential(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0
		return b
	}
}

// Runtime consumes batches of records for a consumer group and commits
// each partition's offsets only up to the last record resolved without gaps.
type Runtime struct {
	log       *slog.Logger
	cfg       Config
	processor queue.Processor[Message]
	opts      Options
}

// NewRuntime initializes a [Runtime] which hands every record to processor.
func NewRuntime(cfg Config, processor queue.Processor[Message], opts ...Option) (*Runtime, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker must be configured")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka: a group id must be configured")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("kafka: at least one topic must be configured")
	}
	applyDefaults(&cfg)

	log := logger().With(GroupIDAttr(cfg.GroupID))
	o := Options{
		quarantine: queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, cause error) error {
			log.ErrorContext(
				ctx,
				"dropping record after exhausting attempts",
				TopicAttr(m.Topic),
				PartitionAttr(m.Partition),
				OffsetAttr(m.Offset),
				slog.Any("error", cause),
			)
			return nil
		}),
		readiness:      &health.Binary{},
		retryBackOff:   exponential(100*time.Millisecond, 5*time.Second),
		recoverBackOff: exponential(time.Second, 30*time.Second),
	}
	o.dial = dialKafka(cfg)
	for _, opt := range opts {
		opt.ApplyOption(&o)
	}

	return &Runtime{
		log:       log,
		cfg:       cfg,
		processor: processor,
		opts:      o,
	}, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ResetOffset == "" {
		cfg.ResetOffset = "latest"
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 45 * time.Second
	}
	if cfg.RebalanceTimeout == 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}
	if cfg.FetchMaxBytes == 0 {
		cfg.FetchMaxBytes = 50 << 20
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func resetOffset(s string) (kgo.Offset, error) {
	switch s {
	case "earliest":
		return kgo.NewOffset().AtStart(), nil
	case "latest":
		return kgo.NewOffset().AtEnd(), nil
	default:
		return kgo.Offset{}, fmt.Errorf("kafka: unknown reset offset %q", s)
	}
}

func clientID(groupID string) string {
	return groupID + "-" + uuid.NewString()
}

// ProcessQueue implements the [queue.QueueRuntime] interface. It returns
// nil once ctx is cancelled and every in-flight record has drained.
func (rt *Runtime) ProcessQueue(ctx context.Context) error {
	l := newLoop(rt.log, rt.cfg, rt.processor, rt.opts)
	return l.run(ctx)
}
