// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
)

const watermarkSchema = `
CREATE TABLE IF NOT EXISTS receiptapi_notification_counts_watermark (
	lock CHAR(1) NOT NULL DEFAULT 'X' UNIQUE,
	event_stream_ordering BIGINT NOT NULL,
	CHECK (lock = 'X')
);
INSERT OR IGNORE INTO receiptapi_notification_counts_watermark (event_stream_ordering) VALUES (0);
`

const selectWatermarkSQL = "" +
	"SELECT event_stream_ordering FROM receiptapi_notification_counts_watermark"

const updateWatermarkSQL = "" +
	"UPDATE receiptapi_notification_counts_watermark SET event_stream_ordering = $1"

type watermarkStatements struct {
	selectWatermarkStmt *sql.Stmt
	updateWatermarkStmt *sql.Stmt
}

func NewSqliteWatermarkTable(db *sql.DB) (tables.AggregationWatermark, error) {
	if _, err := db.Exec(watermarkSchema); err != nil {
		return nil, err
	}
	s := &watermarkStatements{}
	return s, sqlutil.StatementList{
		{&s.selectWatermarkStmt, selectWatermarkSQL},
		{&s.updateWatermarkStmt, updateWatermarkSQL},
	}.Prepare(db)
}

func (s *watermarkStatements) SelectWatermark(ctx context.Context, txn *sql.Tx) (ordering int64, err error) {
	err = sqlutil.TxStmt(txn, s.selectWatermarkStmt).QueryRowContext(ctx).Scan(&ordering)
	return
}

func (s *watermarkStatements) UpdateWatermark(ctx context.Context, txn *sql.Tx, ordering int64) error {
	_, err := sqlutil.TxStmt(txn, s.updateWatermarkStmt).ExecContext(ctx, ordering)
	return err
}
