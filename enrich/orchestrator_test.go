// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/z5labs/avconnector/avdoc"

	"github.com/stretchr/testify/require"
)

type translateFunc func(context.Context, string, TranslateRequest) (string, error)

type sentimentFunc func(context.Context, SentimentRequest) (avdoc.Sentiment, error)

type extractFunc func(context.Context, ExtractRequest) ([]avdoc.Entity, error)

// fakeService implements Service and records every translation call.
type fakeService struct {
	translate translateFunc
	sentiment sentimentFunc
	extract   extractFunc

	mu         sync.Mutex
	translated []string
}

func (s *fakeService) Translate(ctx context.Context, url string, req TranslateRequest) (string, error) {
	s.mu.Lock()
	s.translated = append(s.translated, url+"|"+req.SrcLangCode+">"+req.TgtLangCode)
	s.mu.Unlock()

	if s.translate == nil {
		return "[" + req.TgtLangCode + "] " + req.Text, nil
	}
	return s.translate(ctx, url, req)
}

func (s *fakeService) AnalyzeSentiment(ctx context.Context, req SentimentRequest) (avdoc.Sentiment, error) {
	if s.sentiment == nil {
		return avdoc.Positive, nil
	}
	return s.sentiment(ctx, req)
}

func (s *fakeService) ExtractEntities(ctx context.Context, req ExtractRequest) ([]avdoc.Entity, error) {
	if s.extract == nil {
		return []avdoc.Entity{{Kind: avdoc.Person, Word: "john"}}, nil
	}
	return s.extract(ctx, req)
}

func (s *fakeService) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.translated...)
}

func testConfig() Config {
	return Config{
		TargetLanguage:      "ar",
		TranslateURL:        "http://translate",
		TranslateEnglishURL: "http://translate-en",
		EnrichedSources:     []string{"CNN", "BBCNews"},
		EntityThreshold:     0.3,
		NestedEntities:      true,
	}
}

func testRecord() (avdoc.Identity, avdoc.RawRecord) {
	rec := avdoc.RawRecord{
		SourceID:       "S1",
		SourceName:     "CNN",
		LanguageID:     "en",
		Title:          "T",
		Content:        "C",
		TimeDelimStart: 100,
		TimeDelimEnd:   200,
	}
	id, _ := rec.Identity()
	return id, rec
}

func TestOrchestrator_Enrich(t *testing.T) {
	t.Run("will enrich every field", func(t *testing.T) {
		t.Run("if all services are reachable", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Empty(t, res.Degraded)

			doc := res.Document
			require.Equal(t, "S1-100-200", doc.ID)
			require.Equal(t, "[ar] C", doc.Translation)
			require.Equal(t, "[ar] T", doc.TitleTranslation)
			require.Equal(t, avdoc.Positive, doc.ContentSentiment)
			require.Equal(t, []string{"JOHN"}, doc.NamedEntitiesPersons)
			require.Equal(t, []string{}, doc.NamedEntitiesLocations)
			require.Equal(t, avdoc.Connector, doc.Connector)
		})
	})

	t.Run("will route translations by source language", func(t *testing.T) {
		t.Run("to the english endpoint for english sources", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			_, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{
				"http://translate-en|en>ar",
				"http://translate-en|en>ar",
			}, svc.calls())
		})

		t.Run("to the default endpoint for other sources", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			rec.LanguageID = "fr"
			_, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{
				"http://translate|fr>ar",
				"http://translate|fr>ar",
				"http://translate|fr>en",
			}, svc.calls())
		})
	})

	t.Run("will return ErrEnrichmentFailed", func(t *testing.T) {
		t.Run("if translation fails", func(t *testing.T) {
			svc := &fakeService{
				translate: func(ctx context.Context, s string, tr TranslateRequest) (string, error) {
					return "", ErrEnrichmentFailed
				},
			}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			_, err := o.Enrich(context.Background(), id, rec)
			require.ErrorIs(t, err, ErrEnrichmentFailed)
		})
	})

	t.Run("will degrade to safe defaults", func(t *testing.T) {
		t.Run("if sentiment analysis fails", func(t *testing.T) {
			svc := &fakeService{
				sentiment: func(ctx context.Context, sr SentimentRequest) (avdoc.Sentiment, error) {
					return avdoc.Negative, errors.New("unreachable")
				},
			}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Equal(t, avdoc.Neutral, res.Document.ContentSentiment)
			require.Equal(t, []string{ReasonSentimentFailed}, res.Degraded)
		})

		t.Run("if entity extraction fails", func(t *testing.T) {
			svc := &fakeService{
				extract: func(ctx context.Context, er ExtractRequest) ([]avdoc.Entity, error) {
					return nil, errors.New("unreachable")
				},
			}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Equal(t, []string{}, res.Document.NamedEntitiesPersons)
			require.Equal(t, []string{ReasonEntitiesFailed}, res.Degraded)
		})

		t.Run("if the language is not accepted", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			rec.LanguageID = "de"
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Equal(t, []string{ReasonInvalidLanguage}, res.Degraded)
			require.Equal(t, "C", res.Document.Translation)
			require.Equal(t, "T", res.Document.TitleTranslation)
			require.Equal(t, avdoc.Neutral, res.Document.ContentSentiment)
			require.Empty(t, svc.calls())
		})

		t.Run("if the source is not enrolled", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			id, rec := testRecord()
			rec.SourceName = "Unknown FM"
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Equal(t, []string{ReasonSourceNotEnrolled}, res.Degraded)
			require.Equal(t, avdoc.NewDocument(id, rec), res.Document)
			require.Empty(t, svc.calls())
		})
	})

	t.Run("will enrich every source", func(t *testing.T) {
		t.Run("if no sources are configured", func(t *testing.T) {
			cfg := testConfig()
			cfg.EnrichedSources = nil
			o := NewOrchestrator(&fakeService{}, cfg)

			id, rec := testRecord()
			rec.SourceName = "Unknown FM"
			res, err := o.Enrich(context.Background(), id, rec)
			require.NoError(t, err)
			require.Empty(t, res.Degraded)
		})
	})
}

func TestOrchestrator_Translate(t *testing.T) {
	t.Run("will pass text through unchanged", func(t *testing.T) {
		t.Run("if the source language is the target language", func(t *testing.T) {
			svc := &fakeService{}
			o := NewOrchestrator(svc, testConfig())

			text := "  نص عربي\twith trailing space "
			translation, err := o.Translate(context.Background(), text, "ar")
			require.NoError(t, err)
			require.Equal(t, []byte(text), []byte(translation))
			require.Empty(t, svc.calls())
		})
	})

	t.Run("will return ErrInvalidLanguage", func(t *testing.T) {
		t.Run("if the language is not accepted", func(t *testing.T) {
			o := NewOrchestrator(&fakeService{}, testConfig())

			_, err := o.Translate(context.Background(), "hallo", "de")
			require.ErrorIs(t, err, ErrInvalidLanguage)
		})

		t.Run("if the language is empty", func(t *testing.T) {
			o := NewOrchestrator(&fakeService{}, testConfig())

			_, err := o.Translate(context.Background(), "hallo", "")
			require.ErrorIs(t, err, ErrInvalidLanguage)
		})
	})
}

func TestOrchestrator_Sentiment(t *testing.T) {
	t.Run("will return Neutral without calling the service", func(t *testing.T) {
		called := false
		svc := &fakeService{
			sentiment: func(ctx context.Context, sr SentimentRequest) (avdoc.Sentiment, error) {
				called = true
				return avdoc.Positive, nil
			},
		}
		o := NewOrchestrator(svc, testConfig())

		t.Run("if the content is empty", func(t *testing.T) {
			sentiment, err := o.Sentiment(context.Background(), " ", "en")
			require.NoError(t, err)
			require.Equal(t, avdoc.Neutral, sentiment)
			require.False(t, called)
		})

		t.Run("if the language is not accepted", func(t *testing.T) {
			sentiment, err := o.Sentiment(context.Background(), "gut", "de")
			require.NoError(t, err)
			require.Equal(t, avdoc.Neutral, sentiment)
			require.False(t, called)
		})
	})

	t.Run("will analyze english text", func(t *testing.T) {
		t.Run("if the source is not english", func(t *testing.T) {
			var got string
			svc := &fakeService{
				sentiment: func(ctx context.Context, sr SentimentRequest) (avdoc.Sentiment, error) {
					got = sr.Text
					return avdoc.Negative, nil
				},
			}
			o := NewOrchestrator(svc, testConfig())

			sentiment, err := o.Sentiment(context.Background(), "mauvais", "fr")
			require.NoError(t, err)
			require.Equal(t, avdoc.Negative, sentiment)
			require.Equal(t, "[en] mauvais", got)
		})
	})
}

func TestOrchestrator_Entities(t *testing.T) {
	t.Run("will skip extraction", func(t *testing.T) {
		t.Run("if the content is whitespace only", func(t *testing.T) {
			called := false
			svc := &fakeService{
				extract: func(ctx context.Context, er ExtractRequest) ([]avdoc.Entity, error) {
					called = true
					return nil, nil
				},
			}
			o := NewOrchestrator(svc, testConfig())

			es, err := o.Entities(context.Background(), avdoc.RawRecord{Title: "T", Content: " \n\t"})
			require.NoError(t, err)
			require.False(t, called)
			require.Empty(t, es.Persons)
		})
	})

	t.Run("will extract from title and content", func(t *testing.T) {
		var req ExtractRequest
		svc := &fakeService{
			extract: func(ctx context.Context, er ExtractRequest) ([]avdoc.Entity, error) {
				req = er
				return []avdoc.Entity{
					{Kind: avdoc.Person, Word: "john"},
					{Kind: avdoc.Person, Word: "JOHN"},
					{Kind: avdoc.Organization, Word: "Reuters"},
				}, nil
			},
		}
		o := NewOrchestrator(svc, testConfig())

		es, err := o.Entities(context.Background(), avdoc.RawRecord{Title: "Headline", Content: "body"})
		require.NoError(t, err)
		require.Equal(t, "Headline\nbody", req.Text)
		require.Equal(t, "person, location, organization", req.Labels)
		require.Equal(t, 0.3, req.Threshold)
		require.True(t, req.NestedNER)
		require.Equal(t, []string{"JOHN"}, es.Persons)
		require.Equal(t, []string{"REUTERS"}, es.Organizations)
	})
}
