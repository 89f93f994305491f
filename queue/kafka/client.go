// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/z5labs/avconnector"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kslog"
	"go.opentelemetry.io/otel"
)

// groupHooks are invoked by the client as the group assignment changes.
type groupHooks struct {
	onAssigned func()
	onLost     func()
}

type dialer func(context.Context, groupHooks) (groupClient, error)

// groupClient is the subset of a consumer group client used by the loop.
type groupClient interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	SetOffsets(map[string]map[int32]kgo.EpochOffset)
	AllowRebalance()
	Close()

	// Heartbeat confirms the coordinator still recognizes this member.
	Heartbeat(ctx context.Context) error

	// CommittedOffsets returns the offsets the group has committed so far.
	CommittedOffsets(ctx context.Context) (map[topicPartition]int64, error)
}

type kgoClient struct {
	*kgo.Client

	group string
	adm   *kadm.Client
}

func dialKafka(cfg Config) dialer {
	return func(ctx context.Context, hooks groupHooks) (groupClient, error) {
		reset, err := resetOffset(cfg.ResetOffset)
		if err != nil {
			return nil, err
		}

		opts := []kgo.Opt{
			kgo.WithLogger(kslog.New(avconnector.Logger("github.com/twmb/franz-go/pkg/kgo"))),
			kgo.WithHooks(
				kotel.NewTracer(
					kotel.TracerProvider(otel.GetTracerProvider()),
					kotel.TracerPropagator(otel.GetTextMapPropagator()),
					kotel.LinkSpans(),
					kotel.ConsumerGroup(cfg.GroupID),
				),
				kotel.NewMeter(
					kotel.MeterProvider(otel.GetMeterProvider()),
					kotel.WithMergedConnectsMeter(),
				),
			),
			kgo.ClientID(clientID(cfg.GroupID)),
			kgo.SeedBrokers(cfg.Brokers...),
			kgo.ConsumerGroup(cfg.GroupID),
			kgo.ConsumeTopics(cfg.Topics...),
			kgo.ConsumeResetOffset(reset),
			kgo.Balancers(kgo.CooperativeStickyBalancer()),
			kgo.SessionTimeout(cfg.SessionTimeout),
			kgo.RebalanceTimeout(cfg.RebalanceTimeout),
			kgo.FetchMaxBytes(cfg.FetchMaxBytes),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
			kgo.OnPartitionsAssigned(func(ctx context.Context, c *kgo.Client, m map[string][]int32) {
				hooks.onAssigned()
			}),
			kgo.OnPartitionsLost(func(ctx context.Context, c *kgo.Client, m map[string][]int32) {
				hooks.onLost()
			}),
		}
		if cfg.TLS != nil {
			opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
		}

		client, err := kgo.NewClient(opts...)
		if err != nil {
			return nil, fmt.Errorf("kafka: failed to create client: %w", err)
		}

		return kgoClient{
			Client: client,
			group:  cfg.GroupID,
			adm:    kadm.NewClient(client),
		}, nil
	}
}

func (c kgoClient) Heartbeat(ctx context.Context) error {
	memberID, generation := c.GroupMetadata()
	if memberID == "" {
		return nil
	}

	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = c.group
	req.MemberID = memberID
	req.Generation = generation

	resp, err := req.RequestWith(ctx, c.Client)
	if err != nil {
		return err
	}
	return classifyGroupError(kerr.ErrorForCode(resp.ErrorCode))
}

func (c kgoClient) CommittedOffsets(ctx context.Context) (map[topicPartition]int64, error) {
	resps, err := c.adm.FetchOffsets(ctx, c.group)
	if err != nil {
		return nil, err
	}

	offsets := make(map[topicPartition]int64)
	resps.Offsets().Each(func(o kadm.Offset) {
		offsets[topicPartition{topic: o.Topic, partition: o.Partition}] = o.At
	})
	return offsets, nil
}

// classifyGroupError maps group membership errors onto [ErrCoordinationLost].
// A rebalance in progress is not a loss; the member rejoins once the current
// batch allows it.
func classifyGroupError(err error) error {
	switch {
	case err == nil, errors.Is(err, kerr.RebalanceInProgress):
		return nil
	case errors.Is(err, kerr.UnknownMemberID),
		errors.Is(err, kerr.IllegalGeneration),
		errors.Is(err, kerr.FencedInstanceID):
		return fmt.Errorf("%w: %w", ErrCoordinationLost, err)
	default:
		return err
	}
}
