// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package elasticsearch implements [store.Store] on top of an Elasticsearch index.
package elasticsearch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/avdoc"
	"github.com/z5labs/avconnector/store"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"
)

// DefaultIndex is the index documents are written to unless overridden.
const DefaultIndex = "av_docs"

// Options are configurable parameters of a [Store].
type Options struct {
	index           string
	retryOnConflict int
	refresh         string
}

// Option sets a value on [Options].
type Option interface {
	ApplyOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyOption(o *Options) {
	f(o)
}

// Index overrides the index name.
func Index(name string) Option {
	return optionFunc(func(o *Options) {
		o.index = name
	})
}

// RetryOnConflict sets how many times Elasticsearch itself retries a patch
// which raced another update of the same document.
func RetryOnConflict(n int) Option {
	return optionFunc(func(o *Options) {
		o.retryOnConflict = n
	})
}

// Refresh sets the refresh policy of every write, e.g. "wait_for".
func Refresh(policy string) Option {
	return optionFunc(func(o *Options) {
		o.refresh = policy
	})
}

// Store is a [store.Store] backed by a single Elasticsearch index.
type Store struct {
	log *slog.Logger
	es  *elasticsearch.Client

	index           string
	retryOnConflict int
	refresh         string
}

// New initializes a [Store].
func New(es *elasticsearch.Client, opts ...Option) *Store {
	o := &Options{
		index:           DefaultIndex,
		retryOnConflict: 3,
	}
	for _, opt := range opts {
		opt.ApplyOption(o)
	}

	return &Store{
		log:             avconnector.Logger("github.com/z5labs/avconnector/store/elasticsearch"),
		es:              es,
		index:           o.index,
		retryOnConflict: o.retryOnConflict,
		refresh:         o.refresh,
	}
}

// NewClient initializes an Elasticsearch client for the given node addresses.
func NewClient(addrs []string, transport http.RoundTripper) (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addrs,
		Transport: transport,
	})
}

// Exists implements the [store.Store] interface.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	res, err := s.es.Exists(
		s.index,
		id,
		s.es.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %w", store.ErrUnavailable, id, err)
	}
	defer drain(res)

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("%w: exists %s: status %d", store.ErrUnavailable, id, res.StatusCode)
	}
}

// WriteInitial implements the [store.Store] interface. The document is
// indexed under id, replacing any previous version.
func (s *Store) WriteInitial(ctx context.Context, id string, doc avdoc.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	opts := []func(*esapi.IndexRequest){
		s.es.Index.WithContext(ctx),
		s.es.Index.WithDocumentID(id),
	}
	if s.refresh != "" {
		opts = append(opts, s.es.Index.WithRefresh(s.refresh))
	}

	res, err := s.es.Index(s.index, bytes.NewReader(b), opts...)
	if err != nil {
		return fmt.Errorf("%w: index %s: %w", store.ErrUnavailable, id, err)
	}
	defer drain(res)

	if res.IsError() {
		return statusError("index", id, res)
	}
	s.log.DebugContext(ctx, "indexed document", slog.String("avdoc.id", id), slog.String("index", s.index))
	return nil
}

type partialUpdate struct {
	Doc avdoc.EnrichmentPatch `json:"doc"`
}

// Patch implements the [store.Store] interface.
func (s *Store) Patch(ctx context.Context, id string, patch avdoc.EnrichmentPatch) error {
	b, err := json.Marshal(partialUpdate{Doc: patch})
	if err != nil {
		return err
	}

	opts := []func(*esapi.UpdateRequest){
		s.es.Update.WithContext(ctx),
		s.es.Update.WithRetryOnConflict(s.retryOnConflict),
	}
	if s.refresh != "" {
		opts = append(opts, s.es.Update.WithRefresh(s.refresh))
	}

	res, err := s.es.Update(s.index, id, bytes.NewReader(b), opts...)
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", store.ErrUnavailable, id, err)
	}
	defer drain(res)

	if res.IsError() {
		return statusError("update", id, res)
	}
	return nil
}

// Ping reports whether the cluster answers.
func (s *Store) Ping(ctx context.Context) error {
	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: ping: %w", store.ErrUnavailable, err)
	}
	defer drain(res)

	if res.IsError() {
		return fmt.Errorf("%w: ping: status %d", store.ErrUnavailable, res.StatusCode)
	}
	return nil
}

const indexMapping = `{
  "mappings": {
    "properties": {
      "id": {"type": "keyword"},
      "sourceId": {"type": "keyword"},
      "sourceName": {"type": "keyword"},
      "languageId": {"type": "keyword"},
      "title": {"type": "text"},
      "content": {"type": "text"},
      "timeDelimStart": {"type": "long"},
      "timeDelimEnd": {"type": "long"},
      "translation": {"type": "text"},
      "titleTranslation": {"type": "text"},
      "contentSentiment": {"type": "keyword"},
      "namedEntitiesLocations": {"type": "keyword"},
      "namedEntitiesPersons": {"type": "keyword"},
      "namedEntitiesOrganizations": {"type": "keyword"},
      "connector": {"type": "keyword"}
    }
  }
}`

// EnsureIndex creates the index with its mapping unless it already exists.
func (s *Store) EnsureIndex(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: index exists: %w", store.ErrUnavailable, err)
	}
	drain(res)

	switch res.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
	default:
		return fmt.Errorf("%w: index exists: status %d", store.ErrUnavailable, res.StatusCode)
	}

	res, err = s.es.Indices.Create(
		s.index,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(strings.NewReader(indexMapping)),
	)
	if err != nil {
		return fmt.Errorf("%w: create index: %w", store.ErrUnavailable, err)
	}
	defer drain(res)

	if res.StatusCode == http.StatusBadRequest {
		return createIndexError(s.index, res)
	}
	if res.IsError() {
		return statusError("create index", s.index, res)
	}
	s.log.InfoContext(ctx, "created index", slog.String("index", s.index))
	return nil
}

type errorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// createIndexError ignores the index having been created by another
// instance in the meantime. Any other rejection, e.g. of the mapping, is
// permanent.
func createIndexError(index string, res *esapi.Response) error {
	var er errorResponse
	err := json.NewDecoder(res.Body).Decode(&er)
	if err != nil {
		return fmt.Errorf("create index %s: status %d: %w", index, res.StatusCode, err)
	}
	if er.Error.Type == "resource_already_exists_exception" {
		return nil
	}
	return fmt.Errorf("create index %s: %s: %s", index, er.Error.Type, er.Error.Reason)
}

func statusError(op, id string, res *esapi.Response) error {
	switch res.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, op, id)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s %s", store.ErrConflict, op, id)
	default:
		return fmt.Errorf("%w: %s %s: status %d", store.ErrUnavailable, op, id, res.StatusCode)
	}
}

func drain(res *esapi.Response) {
	if res == nil || res.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}
