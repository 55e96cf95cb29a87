// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyThreadID is returned for a receipt with an empty thread ID, which
// would be stored the same way as an unthreaded receipt.
var ErrEmptyThreadID = errors.New("thread ID must not be empty")

// NotFoundError is returned when the events a receipt refers to could not be
// resolved to a stream ordering.
type NotFoundError struct {
	RoomID   string
	EventIDs []string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("unable to linearize receipt in room %s: unknown events %s", e.RoomID, strings.Join(e.EventIDs, ", "))
}

// TransientStorageError wraps a storage failure caused by contention or a
// timeout. The operation may be retried.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e TransientStorageError) Error() string {
	return fmt.Sprintf("%s: transient storage error: %s", e.Op, e.Err)
}

func (e TransientStorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError is returned when a write is attempted on an instance
// that is not a writer for the stream.
type ConfigurationError struct {
	Instance string
	Stream   string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("instance %q is not configured as a writer for the %s stream", e.Instance, e.Stream)
}
