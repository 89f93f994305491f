// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package concurrent

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes holders of the same key while letting different
// keys proceed in parallel. Entries are released once no goroutine holds
// or waits on them.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

// NewKeyedMutex initializes a [KeyedMutex].
func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{
		entries: make(map[K]*keyedEntry),
	}
}

// Lock blocks until k is free and returns the function which releases it.
func (m *KeyedMutex[K]) Lock(k K) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &keyedEntry{}
		m.entries[k] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			defer m.mu.Unlock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, k)
			}
		})
	}
}

// held reports the number of keys currently held or waited on.
func (m *KeyedMutex[K]) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
