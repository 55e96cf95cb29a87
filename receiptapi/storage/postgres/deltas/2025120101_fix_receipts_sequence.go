// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package deltas

import (
	"context"
	"database/sql"
	"fmt"
)

// UpFixReceiptsSequence moves the receipts sequence past any stream ID
// already in the table, e.g. after a restore from a dump taken without
// sequence values.
func UpFixReceiptsSequence(ctx context.Context, tx *sql.Tx) error {
	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(stream_id) FROM receiptapi_receipts_linearized").Scan(&maxID); err != nil {
		return fmt.Errorf("failed to select max receipt stream ID: %w", err)
	}
	if !maxID.Valid {
		return nil
	}
	var lastValue int64
	var isCalled bool
	if err := tx.QueryRowContext(ctx, "SELECT last_value, is_called FROM receiptapi_receipts_sequence").Scan(&lastValue, &isCalled); err != nil {
		return fmt.Errorf("failed to select receipts sequence: %w", err)
	}
	if isCalled && lastValue >= maxID.Int64 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "SELECT setval('receiptapi_receipts_sequence', $1)", maxID.Int64); err != nil {
		return fmt.Errorf("failed to fast-forward receipts sequence: %w", err)
	}
	return nil
}
