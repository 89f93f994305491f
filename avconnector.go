// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package avconnector indexes audio/video content records from Kafka into a
// searchable document store after enriching them with translation, sentiment
// and named entities.
package avconnector

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Logger returns a [slog.Logger] which emits records through the global
// OpenTelemetry LoggerProvider.
func Logger(name string) *slog.Logger {
	return otelslog.NewLogger(name)
}
