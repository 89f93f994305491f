// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"testing"

	"github.com/z5labs/avconnector/queue"

	"github.com/twmb/franz-go/pkg/kgo"
)

// FakeGroup exposes the in-memory group client to external tests.
type FakeGroup struct {
	client *fakeClient
}

func NewFakeGroup(polls ...kgo.Fetches) FakeGroup {
	return FakeGroup{client: newFakeClient(polls...)}
}

// LoseCoordination makes the next membership check before a commit fail.
func (g FakeGroup) LoseCoordination() {
	g.client.mu.Lock()
	defer g.client.mu.Unlock()
	g.client.heartbeatErr = ErrCoordinationLost
}

func (g FakeGroup) CommittedAt(topic string, partition int32) (int64, bool) {
	g.client.mu.Lock()
	defer g.client.mu.Unlock()
	at, ok := g.client.committed[topicPartition{topic: topic, partition: partition}]
	return at, ok
}

// DialGroups hands out groups in order, one per (re)connect.
func DialGroups(groups ...FakeGroup) Option {
	clients := make([]*fakeClient, len(groups))
	for i, g := range groups {
		clients[i] = g.client
	}
	dial, _ := withDialer(clients...)
	return dial
}

func FetchOf(rs ...*kgo.Record) kgo.Fetches {
	return fetchOf(rs)
}

func NewTestRuntime(t *testing.T, processor queue.Processor[Message], opts ...Option) *Runtime {
	return newTestRuntime(t, processor, opts...)
}
