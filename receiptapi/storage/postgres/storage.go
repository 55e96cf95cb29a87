// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/shared"
)

// NewDatabase creates the receipt tables on a PostgreSQL database. Receipt
// stream IDs come from a database sequence, so any number of writers can
// share the database.
func NewDatabase(db *sql.DB, writer sqlutil.Writer) (*shared.Database, error) {
	receipts, err := NewPostgresReceiptsTable(db)
	if err != nil {
		return nil, err
	}
	graph, err := NewPostgresGraphReceiptsTable(db)
	if err != nil {
		return nil, err
	}
	counters, err := NewPostgresNotificationCountersTable(db)
	if err != nil {
		return nil, err
	}
	rollups, err := NewPostgresNotificationRollupsTable(db)
	if err != nil {
		return nil, err
	}
	orderings, err := NewPostgresEventOrderingsTable(db)
	if err != nil {
		return nil, err
	}
	watermark, err := NewPostgresWatermarkTable(db)
	if err != nil {
		return nil, err
	}
	sequence, err := newStreamIDStatements(db)
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
		SharedSequence:       sequence,
	}, nil
}
