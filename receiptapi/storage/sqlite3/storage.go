// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"database/sql"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
)

// NewDatabase creates the receipt tables on a SQLite database. There is no
// shared sequence, so stream IDs are handed out in memory and only a single
// writer may use the database.
func NewDatabase(db *sql.DB, writer sqlutil.Writer) (*shared.Database, error) {
	receipts, err := NewSqliteReceiptsTable(db)
	if err != nil {
		return nil, err
	}
	graph, err := NewSqliteGraphReceiptsTable(db)
	if err != nil {
		return nil, err
	}
	counters, err := NewSqliteNotificationCountersTable(db)
	if err != nil {
		return nil, err
	}
	rollups, err := NewSqliteNotificationRollupsTable(db)
	if err != nil {
		return nil, err
	}
	orderings, err := NewSqliteEventOrderingsTable(db)
	if err != nil {
		return nil, err
	}
	watermark, err := NewSqliteWatermarkTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:                   db,
		Writer:               writer,
		Receipts:             receipts,
		GraphReceipts:        graph,
		NotificationCounters: counters,
		NotificationRollups:  rollups,
		Watermark:            watermark,
		EventOrderings:       orderings,
	}, nil
}
