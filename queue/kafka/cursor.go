// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"maps"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

type topicPartition struct {
	topic     string
	partition int32
}

// cursor tracks the next offset to consume per partition. It only ever
// moves forward and is advanced after a successful commit, so no record
// below it is processed twice by this member.
type cursor struct {
	mu   sync.Mutex
	next map[topicPartition]int64
}

func newCursor() *cursor {
	return &cursor{next: make(map[topicPartition]int64)}
}

func (c *cursor) advance(tp topicPartition, next int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.next[tp]; ok && cur >= next {
		return
	}
	c.next[tp] = next
}

// reset replaces every position, e.g. with the offsets committed by the
// group after rejoining it.
func (c *cursor) reset(offsets map[topicPartition]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next = maps.Clone(offsets)
	if c.next == nil {
		c.next = make(map[topicPartition]int64)
	}
}

// pending drops records below the position of their partition. They were
// committed already and reach a poll again when, e.g., a rejoined member
// is handed buffered fetches from before the rejoin.
func (c *cursor) pending(records []*kgo.Record) ([]*kgo.Record, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := records[:0:0]
	for _, r := range records {
		next, ok := c.next[topicPartition{topic: r.Topic, partition: r.Partition}]
		if ok && r.Offset < next {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh, len(records) - len(fresh)
}

// completedPrefix splits a batch into the last record of each partition's
// contiguous run of resolved records and, for partitions where that run
// stops short, the offset consumption must rewind to.
//
// Records of a partition must appear in offset order, as returned by a poll.
func completedPrefix(records []*kgo.Record, resolved []bool) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	var (
		order   []topicPartition
		last    = make(map[topicPartition]*kgo.Record)
		blocked = make(map[topicPartition]bool)
		rewind  map[string]map[int32]kgo.EpochOffset
	)
	for i, r := range records {
		tp := topicPartition{topic: r.Topic, partition: r.Partition}
		if blocked[tp] {
			continue
		}
		if _, seen := last[tp]; !seen {
			order = append(order, tp)
			last[tp] = nil
		}
		if resolved[i] {
			last[tp] = r
			continue
		}

		blocked[tp] = true
		if rewind == nil {
			rewind = make(map[string]map[int32]kgo.EpochOffset)
		}
		if rewind[tp.topic] == nil {
			rewind[tp.topic] = make(map[int32]kgo.EpochOffset)
		}
		rewind[tp.topic][tp.partition] = kgo.EpochOffset{Epoch: -1, Offset: r.Offset}
	}

	commit := make([]*kgo.Record, 0, len(order))
	for _, tp := range order {
		if r := last[tp]; r != nil {
			commit = append(commit, r)
		}
	}
	return commit, rewind
}
