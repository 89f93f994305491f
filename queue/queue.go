// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package queue

import (
	"context"
	"errors"
	"fmt"
)

// ErrSkip marks a processing failure which retrying can never fix, e.g. a
// malformed payload. Runtimes must not retry errors wrapping it.
var ErrSkip = errors.New("queue: skip message")

// Skip wraps err with [ErrSkip].
func Skip(err error) error {
	return fmt.Errorf("%w: %w", ErrSkip, err)
}

// ErrHold marks a processing failure caused by an unavailable dependency,
// e.g. the document store. Runtimes must leave messages failing with it
// unresolved, however many attempts they make, instead of quarantining them.
var ErrHold = errors.New("queue: hold message")

// Hold wraps err with [ErrHold].
func Hold(err error) error {
	return fmt.Errorf("%w: %w", ErrHold, err)
}

// Processor implements the business logic for processing message(s), T.
//
// A nil error resolves the message. Any other error leaves it unresolved
// and the runtime decides whether to retry or quarantine it.
type Processor[T any] interface {
	Process(context.Context, T) error
}

// ProcessorFunc is an adapter to allow the use of ordinary functions as [Processor]s.
type ProcessorFunc[T any] func(context.Context, T) error

// Process implements the [Processor] interface.
func (f ProcessorFunc[T]) Process(ctx context.Context, t T) error {
	return f(ctx, t)
}

// Quarantiner parks message(s), T, which could not be processed so they
// can be inspected and replayed later.
type Quarantiner[T any] interface {
	Quarantine(ctx context.Context, t T, cause error) error
}

// QuarantinerFunc is an adapter to allow the use of ordinary functions as [Quarantiner]s.
type QuarantinerFunc[T any] func(context.Context, T, error) error

// Quarantine implements the [Quarantiner] interface.
func (f QuarantinerFunc[T]) Quarantine(ctx context.Context, t T, cause error) error {
	return f(ctx, t, cause)
}

// QueueRuntime consumes, processes and acknowledges messages until its
// context is cancelled or it fails.
type QueueRuntime interface {
	ProcessQueue(context.Context) error
}

// QueueRuntimeFunc is an adapter to allow the use of ordinary functions as [QueueRuntime]s.
type QueueRuntimeFunc func(context.Context) error

// ProcessQueue implements the [QueueRuntime] interface.
func (f QueueRuntimeFunc) ProcessQueue(ctx context.Context) error {
	return f(ctx)
}

// Runtime adapts a [QueueRuntime] to the app.Runtime interface.
type Runtime struct {
	queueRuntime QueueRuntime
}

// NewRuntime initializes a [Runtime].
func NewRuntime(qr QueueRuntime) Runtime {
	return Runtime{queueRuntime: qr}
}

// Run implements the app.Runtime interface.
func (rt Runtime) Run(ctx context.Context) error {
	return rt.queueRuntime.ProcessQueue(ctx)
}
