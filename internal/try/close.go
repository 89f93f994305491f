// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package try collects cleanup errors which would otherwise be dropped.
package try

import (
	"errors"
	"io"
)

// Close closes c and joins any failure into *err. Meant to be deferred
// with a named error return.
func Close(err *error, c io.Closer) {
	cerr := c.Close()
	if cerr == nil {
		return
	}
	*err = errors.Join(*err, cerr)
}
