// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package avdoc defines the audio/video content records consumed from the log
// and the enriched documents indexed into the document store.
package avdoc

import (
	"errors"
	"fmt"
	"strings"
)

// Connector is the provenance tag stamped on every indexed document.
const Connector = "AVConnector"

// ErrInvalidRecord is returned for records which can never be indexed,
// e.g. a record missing one of its time delimiters.
var ErrInvalidRecord = errors.New("avdoc: invalid record")

// RawRecord is a content unit as received from the log.
type RawRecord struct {
	SourceID   string `json:"sourceId"`
	SourceName string `json:"sourceName"`
	LanguageID string `json:"languageId"`
	Title      string `json:"title"`
	Content    string `json:"content"`

	// The delimiters are whole seconds. Any other JSON value fails to
	// decode and the record is invalid.
	TimeDelimStart int64 `json:"timeDelimStart"`
	TimeDelimEnd   int64 `json:"timeDelimEnd"`
}

// Validate reports whether the record carries both time delimiters.
// An absent delimiter decodes as zero and zero is treated as missing.
func (r RawRecord) Validate() error {
	if r.TimeDelimStart == 0 || r.TimeDelimEnd == 0 {
		return fmt.Errorf("%w: timeDelimStart or timeDelimEnd is missing", ErrInvalidRecord)
	}
	return nil
}

// Identity derives the document identity of the record.
func (r RawRecord) Identity() (Identity, error) {
	if err := r.Validate(); err != nil {
		return Identity{}, err
	}
	return Identity{
		SourceID:       r.SourceID,
		TimeDelimStart: r.TimeDelimStart,
		TimeDelimEnd:   r.TimeDelimEnd,
	}, nil
}

// Identity is the composite key of a logical document. Two records with the
// same identity always describe the same document.
type Identity struct {
	SourceID       string
	TimeDelimStart int64
	TimeDelimEnd   int64
}

// String renders the identity as the store primary key, e.g. "S1-100-200".
func (id Identity) String() string {
	return fmt.Sprintf("%s-%d-%d", id.SourceID, id.TimeDelimStart, id.TimeDelimEnd)
}

// Document is a [RawRecord] plus its enrichment fields.
type Document struct {
	ID string `json:"id"`

	SourceID   string `json:"sourceId"`
	SourceName string `json:"sourceName"`
	LanguageID string `json:"languageId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	TimeDelimStart int64  `json:"timeDelimStart"`
	TimeDelimEnd   int64  `json:"timeDelimEnd"`

	Translation                string    `json:"translation"`
	TitleTranslation           string    `json:"titleTranslation"`
	ContentSentiment           Sentiment `json:"contentSentiment"`
	NamedEntitiesLocations     []string  `json:"namedEntitiesLocations"`
	NamedEntitiesPersons       []string  `json:"namedEntitiesPersons"`
	NamedEntitiesOrganizations []string  `json:"namedEntitiesOrganizations"`
	Connector                  string    `json:"connector"`
}

// NewDocument returns a well-formed document for the record with every
// enrichment field set to its neutral default: translations pass the original
// text through, sentiment is [Neutral] and entity sets are empty.
func NewDocument(id Identity, r RawRecord) Document {
	return Document{
		ID:                         id.String(),
		SourceID:                   r.SourceID,
		SourceName:                 r.SourceName,
		LanguageID:                 r.LanguageID,
		Title:                      r.Title,
		Content:                    r.Content,
		TimeDelimStart:             r.TimeDelimStart,
		TimeDelimEnd:               r.TimeDelimEnd,
		Translation:                r.Content,
		TitleTranslation:           r.Title,
		ContentSentiment:           Neutral,
		NamedEntitiesLocations:     []string{},
		NamedEntitiesPersons:       []string{},
		NamedEntitiesOrganizations: []string{},
		Connector:                  Connector,
	}
}

// Record returns the raw fields of the document.
func (d Document) Record() RawRecord {
	return RawRecord{
		SourceID:       d.SourceID,
		SourceName:     d.SourceName,
		LanguageID:     d.LanguageID,
		Title:          d.Title,
		Content:        d.Content,
		TimeDelimStart: d.TimeDelimStart,
		TimeDelimEnd:   d.TimeDelimEnd,
	}
}

// Patch extracts the enrichment fields of the document.
func (d Document) Patch() EnrichmentPatch {
	return EnrichmentPatch{
		Translation:                d.Translation,
		TitleTranslation:           d.TitleTranslation,
		ContentSentiment:           d.ContentSentiment,
		NamedEntitiesLocations:     d.NamedEntitiesLocations,
		NamedEntitiesPersons:       d.NamedEntitiesPersons,
		NamedEntitiesOrganizations: d.NamedEntitiesOrganizations,
	}
}

// EnrichmentPatch is the partial document written by the second phase of a
// two-phase write.
type EnrichmentPatch struct {
	Translation                string    `json:"translation"`
	TitleTranslation           string    `json:"titleTranslation"`
	ContentSentiment           Sentiment `json:"contentSentiment"`
	NamedEntitiesLocations     []string  `json:"namedEntitiesLocations"`
	NamedEntitiesPersons       []string  `json:"namedEntitiesPersons"`
	NamedEntitiesOrganizations []string  `json:"namedEntitiesOrganizations"`
}

// Sentiment is the closed set of content sentiment labels.
type Sentiment string

const (
	Positive Sentiment = "Positive"
	Negative Sentiment = "Negative"
	Neutral  Sentiment = "Neutral"
)

// ParseSentiment maps a label returned by the sentiment service onto the
// closed label set. Matching is case-insensitive and anything unrecognized
// is [Neutral].
func ParseSentiment(s string) Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive":
		return Positive
	case "negative":
		return Negative
	default:
		return Neutral
	}
}

// EntityKind is a named-entity label understood by the extraction service.
type EntityKind string

const (
	Person       EntityKind = "person"
	Location     EntityKind = "location"
	Organization EntityKind = "organization"
)

// EntityKinds lists the labels requested from the extraction service.
var EntityKinds = []EntityKind{Person, Location, Organization}

// Entity is a single extracted entity.
type Entity struct {
	Kind EntityKind
	Word string
}

// Entities holds the extracted entities partitioned by kind.
type Entities struct {
	Persons       []string
	Locations     []string
	Organizations []string
}

// PartitionEntities splits entities by kind, upper-cases every word and drops
// duplicates while keeping first-seen order. Unknown kinds and blank words
// are ignored.
func PartitionEntities(es []Entity) Entities {
	out := Entities{
		Persons:       []string{},
		Locations:     []string{},
		Organizations: []string{},
	}
	seen := make(map[Entity]struct{}, len(es))
	for _, e := range es {
		word := strings.ToUpper(strings.TrimSpace(e.Word))
		if word == "" {
			continue
		}
		key := Entity{Kind: e.Kind, Word: word}
		if _, ok := seen[key]; ok {
			continue
		}

		switch e.Kind {
		case Person:
			out.Persons = append(out.Persons, word)
		case Location:
			out.Locations = append(out.Locations, word)
		case Organization:
			out.Organizations = append(out.Organizations, word)
		default:
			continue
		}
		seen[key] = struct{}{}
	}
	return out
}

// Apply copies the entity sets onto the document.
func (e Entities) Apply(d *Document) {
	d.NamedEntitiesPersons = e.Persons
	d.NamedEntitiesLocations = e.Locations
	d.NamedEntitiesOrganizations = e.Organizations
}
