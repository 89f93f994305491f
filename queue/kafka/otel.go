// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kafka

import (
	"log/slog"

	"github.com/z5labs/avconnector"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/z5labs/avconnector/queue/kafka"

func logger() *slog.Logger {
	return avconnector.Logger(instrumentationName)
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
