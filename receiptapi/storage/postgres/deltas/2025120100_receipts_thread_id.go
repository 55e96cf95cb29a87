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

func UpReceiptsThreadID(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE receiptapi_receipts_linearized
		ADD COLUMN IF NOT EXISTS thread_id TEXT NOT NULL DEFAULT '';

		ALTER TABLE receiptapi_receipts_linearized
		DROP CONSTRAINT IF EXISTS receiptapi_receipts_linearized_unique;

		ALTER TABLE receiptapi_receipts_linearized
		ADD CONSTRAINT receiptapi_receipts_linearized_unique UNIQUE (room_id, receipt_type, user_id, thread_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to execute receipts thread_id upgrade: %w", err)
	}
	return nil
}

func DownReceiptsThreadID(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM receiptapi_receipts_linearized WHERE thread_id <> '';

		ALTER TABLE receiptapi_receipts_linearized
		DROP CONSTRAINT IF EXISTS receiptapi_receipts_linearized_unique;

		ALTER TABLE receiptapi_receipts_linearized
		ADD CONSTRAINT receiptapi_receipts_linearized_unique UNIQUE (room_id, receipt_type, user_id);

		ALTER TABLE receiptapi_receipts_linearized
		DROP COLUMN IF EXISTS thread_id;
	`)
	if err != nil {
		return fmt.Errorf("failed to execute receipts thread_id downgrade: %w", err)
	}
	return nil
}
