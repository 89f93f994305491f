// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package store defines how enriched documents are persisted to a
// searchable document store.
package store

import (
	"context"
	"errors"

	"github.com/z5labs/avconnector/avdoc"
)

var (
	// ErrUnavailable is returned when the store cannot be reached or answers
	// with an unexpected error. The affected record must be retried.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrConflict is returned when a concurrent write to the same document
	// could not be resolved by the store.
	ErrConflict = errors.New("store: conflict")

	// ErrNotFound is returned when a patch targets a document which does
	// not exist. Patches never create documents.
	ErrNotFound = errors.New("store: document not found")
)

// Store persists documents keyed by their identity string.
//
// WriteInitial must be an upsert so that writing the same identity twice
// leaves exactly one document behind.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	WriteInitial(ctx context.Context, id string, doc avdoc.Document) error
	Patch(ctx context.Context, id string, patch avdoc.EnrichmentPatch) error
}
