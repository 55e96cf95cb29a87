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
	"github.com/element-hq/receiptstream/receiptapi/types"
)

const notificationRollupsSchema = `
CREATE TABLE IF NOT EXISTS receiptapi_notification_rollups (
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	notifs BIGINT NOT NULL DEFAULT 0,
	unreads BIGINT NOT NULL DEFAULT 0,
	highlights BIGINT NOT NULL DEFAULT 0,
	event_stream_ordering BIGINT NOT NULL,
	UNIQUE (user_id, room_id, thread_id)
);
`

const addRollupSQL = "" +
	"INSERT INTO receiptapi_notification_rollups" +
	" (user_id, room_id, thread_id, notifs, unreads, highlights, event_stream_ordering)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
	" ON CONFLICT (user_id, room_id, thread_id) DO UPDATE SET" +
	"  notifs = receiptapi_notification_rollups.notifs + excluded.notifs," +
	"  unreads = receiptapi_notification_rollups.unreads + excluded.unreads," +
	"  highlights = receiptapi_notification_rollups.highlights + excluded.highlights," +
	"  event_stream_ordering = MAX(receiptapi_notification_rollups.event_stream_ordering, excluded.event_stream_ordering)"

const deleteRollupsUpToSQL = "" +
	"DELETE FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3"

const deleteThreadRollupsUpToSQL = "" +
	"DELETE FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3 AND thread_id = $4"

// The room list is expanded at runtime.
const selectRollupsForRoomsSQL = "" +
	"SELECT room_id, thread_id, notifs, unreads, highlights, event_stream_ordering" +
	" FROM receiptapi_notification_rollups" +
	" WHERE user_id = $1 AND room_id IN ($2)"

const purgeRollupsSQL = "" +
	"DELETE FROM receiptapi_notification_rollups WHERE room_id = $1"

type notificationRollupStatements struct {
	db                          *sql.DB
	addRollupStmt               *sql.Stmt
	deleteRollupsUpToStmt       *sql.Stmt
	deleteThreadRollupsUpToStmt *sql.Stmt
	purgeRollupsStmt            *sql.Stmt
}

func NewSqliteNotificationRollupsTable(db *sql.DB) (tables.NotificationRollups, error) {
	if _, err := db.Exec(notificationRollupsSchema); err != nil {
		return nil, err
	}
	s := &notificationRollupStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.addRollupStmt, addRollupSQL},
		{&s.deleteRollupsUpToStmt, deleteRollupsUpToSQL},
		{&s.deleteThreadRollupsUpToStmt, deleteThreadRollupsUpToSQL},
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
	var rollups []types.NotificationRollup
	err := queryIn(ctx, s.db, txn, selectRollupsForRoomsSQL, []interface{}{userID}, stringParams(roomIDs), func(rows *sql.Rows) error {
		batch, err := scanRollups(rows, userID)
		rollups = append(rollups, batch...)
		return err
	})
	return rollups, err
}

func (s *notificationRollupStatements) PurgeRollups(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeRollupsStmt).ExecContext(ctx, roomID)
	return err
}
