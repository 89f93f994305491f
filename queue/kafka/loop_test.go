// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/z5labs/avconnector/health"
	"github.com/z5labs/avconnector/queue"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const testTopic = "av-scrapper-topic"

type fakeClient struct {
	mu           sync.Mutex
	polls        []kgo.Fetches
	committed    map[topicPartition]int64
	rewound      map[string]map[int32]kgo.EpochOffset
	heartbeatErr error
	closed       bool
	allowed      int
}

func newFakeClient(polls ...kgo.Fetches) *fakeClient {
	return &fakeClient{
		polls:     polls,
		committed: make(map[topicPartition]int64),
	}
}

func (c *fakeClient) PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches {
	c.mu.Lock()
	if len(c.polls) > 0 {
		f := c.polls[0]
		c.polls = c.polls[1:]
		c.mu.Unlock()
		return f
	}
	c.mu.Unlock()

	<-ctx.Done()
	return kgo.NewErrFetch(ctx.Err())
}

func (c *fakeClient) CommitRecords(ctx context.Context, rs ...*kgo.Record) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rs {
		tp := topicPartition{topic: r.Topic, partition: r.Partition}
		if r.Offset+1 > c.committed[tp] {
			c.committed[tp] = r.Offset + 1
		}
	}
	return nil
}

func (c *fakeClient) SetOffsets(offsets map[string]map[int32]kgo.EpochOffset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rewound = offsets
}

func (c *fakeClient) AllowRebalance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed++
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatErr
}

func (c *fakeClient) CommittedOffsets(ctx context.Context) (map[topicPartition]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[topicPartition]int64, len(c.committed))
	for tp, at := range c.committed {
		out[tp] = at
	}
	return out, nil
}

func (c *fakeClient) committedAt(partition int32) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.committed[topicPartition{topic: testTopic, partition: partition}]
	return at, ok
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func records(partition int32, offsets ...int64) []*kgo.Record {
	rs := make([]*kgo.Record, len(offsets))
	for i, off := range offsets {
		rs[i] = &kgo.Record{
			Topic:     testTopic,
			Partition: partition,
			Offset:    off,
			Value:     []byte(`{}`),
			Context:   context.Background(),
		}
	}
	return rs
}

func fetchOf(partitions ...[]*kgo.Record) kgo.Fetches {
	ft := kgo.FetchTopic{Topic: testTopic}
	for _, rs := range partitions {
		ft.Partitions = append(ft.Partitions, kgo.FetchPartition{
			Partition: rs[0].Partition,
			Records:   rs,
		})
	}
	return kgo.Fetches{{Topics: []kgo.FetchTopic{ft}}}
}

func withDialer(clients ...*fakeClient) (Option, *atomic.Int64) {
	var dials atomic.Int64
	return optionFunc(func(o *Options) {
		o.dial = func(ctx context.Context, hooks groupHooks) (groupClient, error) {
			n := dials.Add(1)
			if int(n) > len(clients) {
				return nil, errors.New("no more clients")
			}
			hooks.onAssigned()
			return clients[n-1], nil
		}
	}), &dials
}

func testConfig() Config {
	return Config{
		Brokers:         []string{"localhost:9092"},
		GroupID:         "avdoc-group",
		Topics:          []string{testTopic},
		MaxAttempts:     3,
		Concurrency:     4,
		ShutdownTimeout: time.Second,
	}
}

type offsetRecorder struct {
	mu      sync.Mutex
	offsets []int64
}

func (r *offsetRecorder) add(off int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, off)
}

func (r *offsetRecorder) get() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64{}, r.offsets...)
}

func sorted(offsets []int64) []int64 {
	slices.Sort(offsets)
	return offsets
}

func runInBackground(t *testing.T, rt *Runtime) (cancel func() error) {
	t.Helper()

	ctx, cancelCtx := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.ProcessQueue(ctx)
	}()

	return func() error {
		cancelCtx()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("runtime did not stop")
			return nil
		}
	}
}

func newTestRuntime(t *testing.T, processor queue.Processor[Message], opts ...Option) *Runtime {
	t.Helper()

	opts = append(opts,
		RetryBackOff(time.Millisecond, time.Millisecond),
		RecoverBackOff(time.Millisecond, time.Millisecond),
	)
	rt, err := NewRuntime(testConfig(), processor, opts...)
	require.NoError(t, err)
	return rt
}

func TestNewRuntime(t *testing.T) {
	t.Run("will return an error", func(t *testing.T) {
		testCases := []struct {
			Name   string
			Modify func(*Config)
		}{
			{Name: "if no brokers are set", Modify: func(c *Config) { c.Brokers = nil }},
			{Name: "if no group id is set", Modify: func(c *Config) { c.GroupID = "" }},
			{Name: "if no topics are set", Modify: func(c *Config) { c.Topics = nil }},
		}

		for _, testCase := range testCases {
			t.Run(testCase.Name, func(t *testing.T) {
				cfg := testConfig()
				testCase.Modify(&cfg)

				_, err := NewRuntime(cfg, queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
					return nil
				}))
				require.Error(t, err)
			})
		}
	})
}

func TestRuntime_ProcessQueue(t *testing.T) {
	t.Run("will commit every partition past its last record", func(t *testing.T) {
		client := newFakeClient(fetchOf(records(0, 0, 1, 2, 3, 4), records(1, 10, 11)))
		dial, _ := withDialer(client)

		seen := &offsetRecorder{}
		rt := newTestRuntime(t, queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
			seen.add(m.Offset)
			return nil
		}), dial)

		stop := runInBackground(t, rt)
		require.Eventually(t, func() bool {
			p0, _ := client.committedAt(0)
			p1, _ := client.committedAt(1)
			return p0 == 5 && p1 == 12
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		require.ElementsMatch(t, []int64{0, 1, 2, 3, 4, 10, 11}, seen.get())
		require.True(t, client.isClosed())
	})

	t.Run("will never commit past an unresolved record", func(t *testing.T) {
		client := newFakeClient(fetchOf(records(0, 0, 1, 2, 3)))
		dial, _ := withDialer(client)

		quarantineErr := errors.New("quarantine unavailable")
		rt := newTestRuntime(
			t,
			queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
				if m.Offset == 2 {
					return errors.New("store unavailable")
				}
				return nil
			}),
			dial,
			Quarantine(queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, err error) error {
				return quarantineErr
			})),
		)

		stop := runInBackground(t, rt)
		require.Eventually(t, func() bool {
			client.mu.Lock()
			defer client.mu.Unlock()
			return client.rewound != nil
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		at, ok := client.committedAt(0)
		require.True(t, ok)
		require.Equal(t, int64(2), at)
		require.Equal(t, int64(2), client.rewound[testTopic][0].Offset)
	})

	t.Run("will retry a failing record", func(t *testing.T) {
		client := newFakeClient(fetchOf(records(0, 0, 1, 2)))
		dial, _ := withDialer(client)

		var attempts atomic.Int64
		var quarantined atomic.Bool
		rt := newTestRuntime(
			t,
			queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
				if m.Offset == 1 && attempts.Add(1) < 3 {
					return errors.New("enrichment failed")
				}
				return nil
			}),
			dial,
			Quarantine(queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, err error) error {
				quarantined.Store(true)
				return nil
			})),
		)

		stop := runInBackground(t, rt)
		require.Eventually(t, func() bool {
			at, _ := client.committedAt(0)
			return at == 3
		}, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, stop())

		require.Equal(t, int64(3), attempts.Load())
		require.False(t, quarantined.Load())
	})

	t.Run("will quarantine a record", func(t *testing.T) {
		t.Run("if every attempt fails", func(t *testing.T) {
			client := newFakeClient(fetchOf(records(0, 0, 1)))
			dial, _ := withDialer(client)

			var attempts atomic.Int64
			var quarantined offsetRecorder
			rt := newTestRuntime(
				t,
				queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
					if m.Offset == 0 {
						attempts.Add(1)
						return errors.New("enrichment failed")
					}
					return nil
				}),
				dial,
				Quarantine(queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, err error) error {
					quarantined.add(m.Offset)
					return nil
				})),
			)

			stop := runInBackground(t, rt)
			require.Eventually(t, func() bool {
				at, _ := client.committedAt(0)
				return at == 2
			}, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			require.Equal(t, int64(3), attempts.Load())
			require.Equal(t, []int64{0}, quarantined.get())
		})

		t.Run("without retrying if the error is a skip", func(t *testing.T) {
			client := newFakeClient(fetchOf(records(0, 0)))
			dial, _ := withDialer(client)

			var attempts atomic.Int64
			var quarantined offsetRecorder
			rt := newTestRuntime(
				t,
				queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
					attempts.Add(1)
					return queue.Skip(errors.New("malformed"))
				}),
				dial,
				Quarantine(queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, err error) error {
					quarantined.add(m.Offset)
					return nil
				})),
			)

			stop := runInBackground(t, rt)
			require.Eventually(t, func() bool {
				at, _ := client.committedAt(0)
				return at == 1
			}, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			require.Equal(t, int64(1), attempts.Load())
			require.Equal(t, []int64{0}, quarantined.get())
		})
	})

	t.Run("will reconnect and reprocess", func(t *testing.T) {
		t.Run("if group coordination is lost before commit", func(t *testing.T) {
			first := newFakeClient(fetchOf(records(0, 0, 1)))
			first.heartbeatErr = classifyGroupError(kerr.UnknownMemberID)
			second := newFakeClient(fetchOf(records(0, 0, 1)))
			dial, dials := withDialer(first, second)

			readiness := &health.Binary{}
			seen := &offsetRecorder{}
			rt := newTestRuntime(t, queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
				seen.add(m.Offset)
				return nil
			}), dial, Readiness(readiness))

			stop := runInBackground(t, rt)
			require.Eventually(t, func() bool {
				at, _ := second.committedAt(0)
				return at == 2
			}, 2*time.Second, 5*time.Millisecond)

			healthy, err := readiness.Healthy(context.Background())
			require.NoError(t, err)
			require.True(t, healthy)
			require.NoError(t, stop())

			_, committed := first.committedAt(0)
			require.False(t, committed)
			require.True(t, first.isClosed())
			require.Equal(t, int64(2), dials.Load())
			require.ElementsMatch(t, []int64{0, 1, 0, 1}, seen.get())
		})
	})

	t.Run("will never commit a held record", func(t *testing.T) {
		t.Run("if the store stays unavailable", func(t *testing.T) {
			client := newFakeClient(fetchOf(records(0, 0, 1, 2)))
			dial, _ := withDialer(client)

			var attempts atomic.Int64
			var quarantined atomic.Bool
			rt := newTestRuntime(
				t,
				queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
					if m.Offset == 1 {
						attempts.Add(1)
						return queue.Hold(errors.New("store unavailable"))
					}
					return nil
				}),
				dial,
				Quarantine(queue.QuarantinerFunc[Message](func(ctx context.Context, m Message, err error) error {
					quarantined.Store(true)
					return nil
				})),
			)

			stop := runInBackground(t, rt)
			require.Eventually(t, func() bool {
				client.mu.Lock()
				defer client.mu.Unlock()
				return client.rewound != nil
			}, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			at, ok := client.committedAt(0)
			require.True(t, ok)
			require.Equal(t, int64(1), at)
			require.Equal(t, int64(1), client.rewound[testTopic][0].Offset)
			require.Equal(t, int64(testConfig().MaxAttempts), attempts.Load())
			require.False(t, quarantined.Load())
		})
	})

	t.Run("will not reprocess committed records", func(t *testing.T) {
		t.Run("if a later poll returns them again", func(t *testing.T) {
			client := newFakeClient(
				fetchOf(records(0, 0, 1)),
				fetchOf(records(0, 0, 1, 2)),
			)
			dial, _ := withDialer(client)

			seen := &offsetRecorder{}
			rt := newTestRuntime(t, queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
				seen.add(m.Offset)
				return nil
			}), dial)

			stop := runInBackground(t, rt)
			require.Eventually(t, func() bool {
				at, _ := client.committedAt(0)
				return at == 3
			}, 2*time.Second, 5*time.Millisecond)
			require.NoError(t, stop())

			require.Equal(t, []int64{0, 1, 2}, sorted(seen.get()))
		})
	})

	t.Run("will drain and commit in-flight records", func(t *testing.T) {
		t.Run("if shutdown begins mid batch", func(t *testing.T) {
			client := newFakeClient(fetchOf(records(0, 0)))
			dial, _ := withDialer(client)

			started := make(chan struct{})
			release := make(chan struct{})
			rt := newTestRuntime(t, queue.ProcessorFunc[Message](func(ctx context.Context, m Message) error {
				close(started)
				<-release
				return ctx.Err()
			}), dial)

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() {
				errCh <- rt.ProcessQueue(ctx)
			}()

			<-started
			cancel()
			close(release)

			select {
			case err := <-errCh:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("runtime did not stop")
			}

			at, ok := client.committedAt(0)
			require.True(t, ok)
			require.Equal(t, int64(1), at)
		})
	})
}

func TestCompletedPrefix(t *testing.T) {
	t.Run("will stop each partition at its first unresolved record", func(t *testing.T) {
		rs := append(records(0, 0, 1, 2, 3), records(1, 5)...)
		resolved := []bool{true, true, false, true, true}

		commit, rewind := completedPrefix(rs, resolved)
		require.Len(t, commit, 2)
		require.Equal(t, int64(1), commit[0].Offset)
		require.Equal(t, int64(5), commit[1].Offset)
		require.Equal(t, map[string]map[int32]kgo.EpochOffset{
			testTopic: {0: {Epoch: -1, Offset: 2}},
		}, rewind)
	})

	t.Run("will commit nothing for a partition", func(t *testing.T) {
		t.Run("if its first record is unresolved", func(t *testing.T) {
			commit, rewind := completedPrefix(records(0, 7, 8), []bool{false, true})
			require.Empty(t, commit)
			require.Equal(t, int64(7), rewind[testTopic][0].Offset)
		})
	})
}

func TestCursor_Advance(t *testing.T) {
	t.Run("will never move backwards", func(t *testing.T) {
		c := newCursor()
		tp := topicPartition{topic: testTopic, partition: 0}

		c.advance(tp, 10)
		c.advance(tp, 4)

		fresh, stale := c.pending(records(0, 8, 9, 10))
		require.Equal(t, 2, stale)
		require.Len(t, fresh, 1)
		require.Equal(t, int64(10), fresh[0].Offset)
	})
}

func TestCursor_Pending(t *testing.T) {
	t.Run("will keep every record", func(t *testing.T) {
		t.Run("if the partition has no position", func(t *testing.T) {
			c := newCursor()
			c.advance(topicPartition{topic: testTopic, partition: 1}, 100)

			fresh, stale := c.pending(records(0, 0, 1))
			require.Zero(t, stale)
			require.Len(t, fresh, 2)
		})
	})

	t.Run("will use the offsets it was reset to", func(t *testing.T) {
		c := newCursor()
		c.advance(topicPartition{topic: testTopic, partition: 0}, 50)
		c.reset(map[topicPartition]int64{
			{topic: testTopic, partition: 0}: 2,
		})

		fresh, stale := c.pending(records(0, 1, 2, 3))
		require.Equal(t, 1, stale)
		require.Len(t, fresh, 2)
		require.Equal(t, int64(2), fresh[0].Offset)
	})
}

func TestClassifyGroupError(t *testing.T) {
	testCases := []struct {
		Name string
		Err  error
		Lost bool
	}{
		{Name: "unknown member", Err: kerr.UnknownMemberID, Lost: true},
		{Name: "illegal generation", Err: kerr.IllegalGeneration, Lost: true},
		{Name: "fenced instance", Err: kerr.FencedInstanceID, Lost: true},
		{Name: "rebalance in progress", Err: kerr.RebalanceInProgress},
		{Name: "no error"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			err := classifyGroupError(testCase.Err)
			require.Equal(t, testCase.Lost, errors.Is(err, ErrCoordinationLost))
		})
	}
}

func TestState_String(t *testing.T) {
	require.Equal(t, "recovering", stateRecovering.String())
	require.Equal(t, "unknown", state(42).String())
}
