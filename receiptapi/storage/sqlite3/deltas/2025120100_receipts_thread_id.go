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

// UpReceiptsThreadID rebuilds the linearized receipts table with a thread_id
// column in the unique key. SQLite can't alter a table constraint in place.
func UpReceiptsThreadID(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('receiptapi_receipts_linearized') WHERE name = 'thread_id'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to inspect receipts table: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, `
		ALTER TABLE receiptapi_receipts_linearized RENAME TO receiptapi_receipts_linearized_tmp;
		CREATE TABLE receiptapi_receipts_linearized (
			stream_id BIGINT NOT NULL,
			instance_name TEXT NOT NULL,
			room_id TEXT NOT NULL,
			receipt_type TEXT NOT NULL,
			user_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			event_id TEXT NOT NULL,
			event_stream_ordering BIGINT,
			data TEXT NOT NULL,
			CONSTRAINT receiptapi_receipts_linearized_unique UNIQUE (room_id, receipt_type, user_id, thread_id)
		);
		INSERT INTO receiptapi_receipts_linearized
			(stream_id, instance_name, room_id, receipt_type, user_id, event_id, event_stream_ordering, data)
		SELECT stream_id, instance_name, room_id, receipt_type, user_id, event_id, event_stream_ordering, data
			FROM receiptapi_receipts_linearized_tmp;
		DROP TABLE receiptapi_receipts_linearized_tmp;
		CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_stream_id ON receiptapi_receipts_linearized(stream_id);
		CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_room_stream ON receiptapi_receipts_linearized(room_id, stream_id);
		CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_user ON receiptapi_receipts_linearized(user_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to execute receipts thread_id upgrade: %w", err)
	}
	return nil
}
