// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package avdoc

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestRawRecord_Identity(t *testing.T) {
	t.Run("will return ErrInvalidRecord", func(t *testing.T) {
		t.Run("if timeDelimStart is missing", func(t *testing.T) {
			var rec RawRecord
			err := json.Unmarshal([]byte(`{"sourceId":"S1","timeDelimEnd":200}`), &rec)
			require.NoError(t, err)

			_, err = rec.Identity()
			require.ErrorIs(t, err, ErrInvalidRecord)
		})

		t.Run("if timeDelimEnd is missing", func(t *testing.T) {
			rec := RawRecord{SourceID: "S1", TimeDelimStart: 100}

			_, err := rec.Identity()
			require.ErrorIs(t, err, ErrInvalidRecord)
		})
	})

	t.Run("will render source and delimiters", func(t *testing.T) {
		t.Run("as the store key", func(t *testing.T) {
			rec := RawRecord{SourceID: "S1", TimeDelimStart: 100, TimeDelimEnd: 200}

			id, err := rec.Identity()
			require.NoError(t, err)
			require.Equal(t, "S1-100-200", id.String())
		})

		t.Run("identically for identical fields", func(t *testing.T) {
			a := RawRecord{SourceID: "S1", Title: "a", TimeDelimStart: 100, TimeDelimEnd: 200}
			b := RawRecord{SourceID: "S1", Title: "b", TimeDelimStart: 100, TimeDelimEnd: 200}

			idA, err := a.Identity()
			require.NoError(t, err)
			idB, err := b.Identity()
			require.NoError(t, err)
			require.Equal(t, idA, idB)
		})
	})
}

func TestNewDocument(t *testing.T) {
	t.Run("will default every enrichment field", func(t *testing.T) {
		rec := RawRecord{
			SourceID:       "S1",
			SourceName:     "CNN",
			LanguageID:     "en",
			Title:          "T",
			Content:        "C",
			TimeDelimStart: 100,
			TimeDelimEnd:   200,
		}
		id, err := rec.Identity()
		require.NoError(t, err)

		doc := NewDocument(id, rec)
		require.Equal(t, "S1-100-200", doc.ID)
		require.Equal(t, "C", doc.Translation)
		require.Equal(t, "T", doc.TitleTranslation)
		require.Equal(t, Neutral, doc.ContentSentiment)
		require.Equal(t, Connector, doc.Connector)
		require.Equal(t, rec, doc.Record())

		b, err := json.Marshal(doc)
		require.NoError(t, err)
		require.Contains(t, string(b), `"namedEntitiesPersons":[]`)
		require.Contains(t, string(b), `"namedEntitiesLocations":[]`)
		require.Contains(t, string(b), `"namedEntitiesOrganizations":[]`)
	})
}

func TestParseSentiment(t *testing.T) {
	testCases := []struct {
		Name  string
		Label string
		Want  Sentiment
	}{
		{Name: "positive", Label: "Positive", Want: Positive},
		{Name: "lower case negative", Label: "negative", Want: Negative},
		{Name: "neutral", Label: "Neutral", Want: Neutral},
		{Name: "empty", Label: "", Want: Neutral},
		{Name: "unknown", Label: "ecstatic", Want: Neutral},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			require.Equal(t, testCase.Want, ParseSentiment(testCase.Label))
		})
	}
}

func TestPartitionEntities(t *testing.T) {
	t.Run("will upper case and de-duplicate", func(t *testing.T) {
		t.Run("words of the same kind", func(t *testing.T) {
			es := PartitionEntities([]Entity{
				{Kind: Person, Word: "john"},
				{Kind: Person, Word: "JOHN"},
			})

			require.Equal(t, []string{"JOHN"}, es.Persons)
			require.Empty(t, es.Locations)
			require.Empty(t, es.Organizations)
		})
	})

	t.Run("will keep the same word", func(t *testing.T) {
		t.Run("under different kinds", func(t *testing.T) {
			es := PartitionEntities([]Entity{
				{Kind: Location, Word: "Jordan"},
				{Kind: Person, Word: "jordan"},
			})

			require.Equal(t, []string{"JORDAN"}, es.Persons)
			require.Equal(t, []string{"JORDAN"}, es.Locations)
		})
	})

	t.Run("will ignore", func(t *testing.T) {
		t.Run("unknown kinds and blank words", func(t *testing.T) {
			es := PartitionEntities([]Entity{
				{Kind: "date", Word: "monday"},
				{Kind: Organization, Word: "  "},
				{Kind: Organization, Word: "un"},
			})

			require.Empty(t, es.Persons)
			require.Empty(t, es.Locations)
			require.Equal(t, []string{"UN"}, es.Organizations)
		})
	})
}
