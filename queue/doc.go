// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package queue defines the contracts between a message queue runtime and
// the business logic it drives.
//
// A runtime hands each message to a [Processor]. A nil error resolves the
// message and lets the runtime acknowledge it. Errors wrapping [ErrSkip]
// are never retried; other errors may be retried by the runtime and, once
// it gives up, handed to a [Quarantiner] so the message does not block the
// queue forever.
package queue
