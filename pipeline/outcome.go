// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import "strings"

// Outcome is how a single message was resolved. It is one of [Enriched],
// [Degraded] or [Skipped].
type Outcome interface {
	// Kind is a short, stable label used in logs and metrics.
	Kind() string

	isOutcome()
}

// Enriched means the document was written with every enrichment field.
type Enriched struct {
	ID string
}

func (Enriched) Kind() string { return "enriched" }
func (Enriched) isOutcome()   {}

// Degraded means the document was written but some enrichment fields were
// left at their defaults for the listed reasons.
type Degraded struct {
	ID      string
	Reasons []string
}

func (Degraded) Kind() string { return "degraded" }
func (Degraded) isOutcome()   {}

func (d Degraded) String() string {
	return strings.Join(d.Reasons, ", ")
}

// Reasons a message is skipped.
const (
	SkipDuplicate = "duplicate"
	SkipInvalid   = "invalid"
)

// Degraded reasons for documents whose enrichment was deferred.
const (
	ReasonDeferred = "deferred"

	// ReasonDeferralDropped means the deferred patcher had no room left,
	// so the document keeps its default enrichment fields.
	ReasonDeferralDropped = "deferral_dropped"
)

// Skipped means nothing was written for the message.
type Skipped struct {
	ID     string
	Reason string

	// Cause is set for invalid messages.
	Cause error
}

func (Skipped) Kind() string { return "skipped" }
func (Skipped) isOutcome()   {}
