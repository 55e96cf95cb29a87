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

const eventOrderingsSchema = `
CREATE TABLE IF NOT EXISTS receiptapi_event_orderings (
	event_id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	stream_ordering BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS receiptapi_event_orderings_room_id_idx ON receiptapi_event_orderings(room_id);
`

const insertEventOrderingSQL = "" +
	"INSERT OR IGNORE INTO receiptapi_event_orderings (event_id, room_id, stream_ordering)" +
	" VALUES ($1, $2, $3)"

const selectEventOrderingsSQL = "" +
	"SELECT event_id, stream_ordering FROM receiptapi_event_orderings WHERE event_id IN ($1)"

const purgeEventOrderingsSQL = "" +
	"DELETE FROM receiptapi_event_orderings WHERE room_id = $1"

type eventOrderingStatements struct {
	db                      *sql.DB
	insertEventOrderingStmt *sql.Stmt
	purgeEventOrderingsStmt *sql.Stmt
}

func NewSqliteEventOrderingsTable(db *sql.DB) (tables.EventOrderings, error) {
	if _, err := db.Exec(eventOrderingsSchema); err != nil {
		return nil, err
	}
	s := &eventOrderingStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventOrderingStmt, insertEventOrderingSQL},
		{&s.purgeEventOrderingsStmt, purgeEventOrderingsSQL},
	}.Prepare(db)
}

func (s *eventOrderingStatements) InsertEventOrdering(ctx context.Context, txn *sql.Tx, roomID, eventID string, ordering int64) error {
	_, err := sqlutil.TxStmt(txn, s.insertEventOrderingStmt).ExecContext(ctx, eventID, roomID, ordering)
	return err
}

func (s *eventOrderingStatements) SelectEventOrderings(ctx context.Context, txn *sql.Tx, eventIDs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(eventIDs))
	err := queryIn(ctx, s.db, txn, selectEventOrderingsSQL, nil, stringParams(eventIDs), func(rows *sql.Rows) error {
		var eventID string
		var ordering int64
		for rows.Next() {
			if err := rows.Scan(&eventID, &ordering); err != nil {
				return err
			}
			result[eventID] = ordering
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *eventOrderingStatements) PurgeEventOrderings(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeEventOrderingsStmt).ExecContext(ctx, roomID)
	return err
}
