// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/element-hq/receiptstream/internal"
	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

const notificationRollupsSchema = `
-- Aggregated notification counts per user, room and thread
CREATE TABLE IF NOT EXISTS receiptapi_notification_rollups (
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	notifs BIGINT NOT NULL DEFAULT 0,
	unreads BIGINT NOT NULL DEFAULT 0,
	highlights BIGINT NOT NULL DEFAULT 0,
	-- The highest event stream ordering folded into this row
	event_stream_ordering BIGINT NOT NULL,
	CONSTRAINT receiptapi_notification_rollups_unique UNIQUE (user_id, room_id, thread_id)
);
`

const addRollupSQL = "" +
	"INSERT INTO receiptapi_notification_rollups AS r" +
	" (user_id, room_id, thread_id, notifs, unreads, highlights, event_stream_ordering)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" ON CONFLICT (user_id, room_id, thread_id) DO UPDATE SET" +
	"  notifs = r.notifs + EXCLUDED.notifs," +
	"  unreads = r.unreads + EXCLUDED.unreads," +
	"  highlights = r.highlights + EXCLUDED.highlights," +
	"  event_stream_ordering = GREATEST(r.event_stream_ordering, EXCLUDED.event_stream_ordering)"

const deleteRollupsUpToSQL = "" +
	"DELETE FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3"

const deleteThreadRollupsUpToSQL = "" +
	"DELETE FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3 AND thread_id = $4"

const selectRollupsForRoomsSQL = "" +
	"SELECT room_id, thread_id, notifs, unreads, highlights, event_stream_ordering" +
	" FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id = ANY($2)"

const purgeRollupsSQL = "" +
	"DELETE FROM receiptapi_notification_rollups WHERE room_id = $1"

type notificationRollupStatements struct {
	addRollupStmt               *sql.Stmt
	deleteRollupsUpToStmt       *sql.Stmt
	deleteThreadRollupsUpToStmt *sql.Stmt
	selectRollupsForRoomsStmt   *sql.Stmt
	purgeRollupsStmt            *sql.Stmt
}

func NewPostgresNotificationRollupsTable(db *sql.DB) (tables.NotificationRollups, error) {
	if _, err := db.Exec(notificationRollupsSchema); err != nil {
		return nil, err
	}
	s := &notificationRollupStatements{}
	return s, sqlutil.StatementList{
		{&s.addRollupStmt, addRollupSQL},
		{&s.deleteRollupsUpToStmt, deleteRollupsUpToSQL},
		{&s.deleteThreadRollupsUpToStmt, deleteThreadRollupsUpToSQL},
		{&s.selectRollupsForRoomsStmt, selectRollupsForRoomsSQL},
		{&s.purgeRollupsStmt, purgeRollupsSQL},
	}.Prepare(db)
}

func (s *notificationRollupStatements) AddRollup(ctx context.Context, txn *sql.Tx, r *types.NotificationRollup) error {
	_, err := sqlutil.TxStmt(txn, s.addRollupStmt).ExecContext(
		ctx, r.UserID, r.RoomID, types.ThreadKey(r.ThreadID),
		r.Counts.Notifs, r.Counts.Unreads, r.Counts.Highlights, r.EventStreamOrdering,
	)
	return err
}

func (s *notificationRollupStatements) DeleteRollupsUpTo(
	ctx context.Context, txn *sql.Tx, userID, roomID string, threadID *string, ordering int64,
) error {
	var err error
	if threadID == nil {
		_, err = sqlutil.TxStmt(txn, s.deleteRollupsUpToStmt).ExecContext(ctx, userID, roomID, ordering)
	} else {
		_, err = sqlutil.TxStmt(txn, s.deleteThreadRollupsUpToStmt).ExecContext(ctx, userID, roomID, ordering, *threadID)
	}
	return err
}

func (s *notificationRollupStatements) SelectRollupsForRooms(
	ctx context.Context, txn *sql.Tx, userID string, roomIDs []string,
) ([]types.NotificationRollup, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRollupsForRoomsStmt).QueryContext(ctx, userID, pq.Array(roomIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRollupsForRooms: rows.close() failed")
	return scanRollups(rows, userID)
}

func (s *notificationRollupStatements) PurgeRollups(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeRollupsStmt).ExecContext(ctx, roomID)
	return err
}
