// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package concurrent

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_GetOr(t *testing.T) {
	t.Run("will build a value only once", func(t *testing.T) {
		c := NewCache[string, int]()

		var builds atomic.Int64
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := c.GetOr("a", func() (int, error) {
					builds.Add(1)
					return 42, nil
				})
				if err == nil && v != 42 {
					t.Errorf("unexpected value: %d", v)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int64(1), builds.Load())
		require.Equal(t, 1, c.Len())
	})

	t.Run("will not cache a value", func(t *testing.T) {
		t.Run("if building it fails", func(t *testing.T) {
			c := NewCache[string, int]()

			buildErr := errors.New("failed")
			_, err := c.GetOr("a", func() (int, error) {
				return 0, buildErr
			})
			require.ErrorIs(t, err, buildErr)

			_, ok := c.Get("a")
			require.False(t, ok)
		})
	})
}

func TestKeyedMutex_Lock(t *testing.T) {
	t.Run("will serialize holders of the same key", func(t *testing.T) {
		m := NewKeyedMutex[string]()

		var active, maxActive atomic.Int64
		var wg sync.WaitGroup
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := m.Lock("k")
				defer unlock()

				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
			}()
		}
		wg.Wait()

		require.Equal(t, int64(1), maxActive.Load())
		require.Zero(t, m.held())
	})

	t.Run("will not block holders of different keys", func(t *testing.T) {
		m := NewKeyedMutex[string]()

		unlockA := m.Lock("a")
		defer unlockA()

		done := make(chan struct{})
		go func() {
			defer close(done)
			unlock := m.Lock("b")
			unlock()
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on a different key blocked")
		}
	})

	t.Run("will tolerate unlocking twice", func(t *testing.T) {
		m := NewKeyedMutex[string]()

		unlock := m.Lock("a")
		unlock()
		unlock()

		require.Zero(t, m.held())
	})
}
