// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"context"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// Postgres SQLSTATE codes which indicate that retrying the same statement
// later may succeed.
var transientPostgresCodes = map[pq.ErrorCode]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"57014": {}, // query_canceled (statement_timeout)
	"53300": {}, // too_many_connections
}

// IsTransient reports whether err is a contention or timeout failure from
// the storage engine rather than a logic or schema error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		_, ok := transientPostgresCodes[pqErr.Code]
		return ok
	}
	if isSQLiteBusy(err) {
		return true
	}
	// Drivers sometimes flatten the error before it reaches us.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
