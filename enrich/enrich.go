// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package enrich augments content records with translation, sentiment and
// named entities obtained from external HTTP services.
package enrich

import (
	"errors"
	"slices"
)

var (
	// ErrInvalidLanguage is returned when a record's language is not one of
	// the [AcceptedLanguages].
	ErrInvalidLanguage = errors.New("enrich: invalid language")

	// ErrEnrichmentFailed is returned when a required enrichment call fails.
	ErrEnrichmentFailed = errors.New("enrich: enrichment failed")
)

// English is the language code routed to the English translation endpoint.
const English = "en"

// AcceptedLanguages is the closed set of language codes which can be translated.
var AcceptedLanguages = []string{"en", "ar", "fr", "fa", "es", "tr", "ru", "zh"}

// IsAccepted reports whether lang is one of the [AcceptedLanguages].
func IsAccepted(lang string) bool {
	return slices.Contains(AcceptedLanguages, lang)
}

// Reasons recorded on a degraded [Result].
const (
	ReasonSourceNotEnrolled = "source not enrolled"
	ReasonInvalidLanguage   = "invalid language"
	ReasonSentimentFailed   = "sentiment analysis failed"
	ReasonEntitiesFailed    = "entity extraction failed"
)
