// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dedup decides whether a record describes a document which has
// already been written.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/z5labs/avconnector/avdoc"
	"github.com/z5labs/avconnector/concurrent"
	"github.com/z5labs/avconnector/store"
)

// Lookup is the subset of [store.Store] the gate depends on.
type Lookup interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Resolution is the outcome of resolving a record against the store.
type Resolution struct {
	Identity      avdoc.Identity
	AlreadyExists bool
}

// Gate derives record identities and checks them against the store.
type Gate struct {
	store Lookup
	locks *concurrent.KeyedMutex[avdoc.Identity]
}

// NewGate initializes a [Gate].
func NewGate(s Lookup) *Gate {
	return &Gate{
		store: s,
		locks: concurrent.NewKeyedMutex[avdoc.Identity](),
	}
}

// Resolve derives the identity of rec and reports whether a document with
// that identity already exists.
//
// Records missing a time delimiter fail with [avdoc.ErrInvalidRecord]
// without querying the store. Lookup failures are returned wrapped in
// [store.ErrUnavailable] and must never be taken to mean the document is new.
func (g *Gate) Resolve(ctx context.Context, rec avdoc.RawRecord) (Resolution, error) {
	id, err := rec.Identity()
	if err != nil {
		return Resolution{}, err
	}

	exists, err := g.store.Exists(ctx, id.String())
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return Resolution{Identity: id}, err
		}
		return Resolution{Identity: id}, fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return Resolution{Identity: id, AlreadyExists: exists}, nil
}

// Lock serializes work on a single identity within this process. The
// returned function releases it.
func (g *Gate) Lock(id avdoc.Identity) (unlock func()) {
	return g.locks.Lock(id)
}
