// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package kafka provides a batch oriented, at-least-once Kafka runtime for
// the queue package.
//
// The [Runtime] joins a consumer group and repeatedly polls a batch of
// records, processes every record of the batch on a bounded pool of
// goroutines and commits offsets once the whole batch has drained:
//
//	idle → fetching → processing → committing → idle
//
// Offsets of a partition are only committed up to the last record which was
// resolved without a gap, so a crash or restart never skips a record. A
// record is resolved when its processor returns nil or, once every attempt
// failed, when it has been handed to the configured quarantine.
//
// Before committing, the runtime confirms with the group coordinator that it
// is still a member of the current generation. If it is not, nothing is
// committed and the runtime enters a recovering state: it closes its client,
// reports itself not ready, reconnects with exponential backoff and resumes
// from the offsets last committed by the group. Records processed by the
// lost generation are delivered again, which is why processors must be
// idempotent.
//
// Rebalances are held back while a batch is in flight and are allowed again
// after its offsets have been committed.
package kafka
