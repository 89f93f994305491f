// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otel

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

type levelRule struct {
	prefix string
	min    log.Severity
}

// levelFilter lets the noisy libraries the connector drives, such as
// kgo or the elasticsearch transport, be quieted independently of the
// connector's own loggers. A record is matched against the longest
// configured logger name prefix and dropped when it is below that
// rule's severity. Loggers without a rule pass through untouched.
type levelFilter struct {
	next  sdklog.Processor
	rules []levelRule
}

func newLevelFilter(next sdklog.Processor, levels map[string]string) *levelFilter {
	rules := make([]levelRule, 0, len(levels))
	for prefix, level := range levels {
		rules = append(rules, levelRule{prefix: prefix, min: severityOf(level)})
	}
	slices.SortFunc(rules, func(a, b levelRule) int {
		return cmp.Compare(len(b.prefix), len(a.prefix))
	})

	return &levelFilter{
		next:  next,
		rules: rules,
	}
}

// severityOf maps a configured level name onto a severity. Names are
// validated when the config loads so anything unrecognized is treated
// as debug.
func severityOf(level string) log.Severity {
	switch strings.ToLower(level) {
	case "info":
		return log.SeverityInfo
	case "warn", "warning":
		return log.SeverityWarn
	case "error":
		return log.SeverityError
	default:
		return log.SeverityDebug
	}
}

func (f *levelFilter) OnEmit(ctx context.Context, record *sdklog.Record) error {
	name := record.InstrumentationScope().Name
	for _, rule := range f.rules {
		if !strings.HasPrefix(name, rule.prefix) {
			continue
		}
		if record.Severity() < rule.min {
			return nil
		}
		break
	}
	return f.next.OnEmit(ctx, record)
}

func (f *levelFilter) Shutdown(ctx context.Context) error {
	return f.next.Shutdown(ctx)
}

func (f *levelFilter) ForceFlush(ctx context.Context) error {
	return f.next.ForceFlush(ctx)
}
