// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"math"

	"github.com/lib/pq"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/receiptstream/internal"
	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

const notificationCountersSchema = `
-- Per-event notification deltas staged by the event persister
CREATE TABLE IF NOT EXISTS receiptapi_notification_counters (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	event_id TEXT NOT NULL,
	event_stream_ordering BIGINT NOT NULL,
	notifs BIGINT NOT NULL DEFAULT 0,
	unreads BIGINT NOT NULL DEFAULT 0,
	highlights BIGINT NOT NULL DEFAULT 0,
	received_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS receiptapi_notification_counters_user_room
	ON receiptapi_notification_counters(user_id, room_id, event_stream_ordering);
CREATE INDEX IF NOT EXISTS receiptapi_notification_counters_ordering
	ON receiptapi_notification_counters(event_stream_ordering);
CREATE INDEX IF NOT EXISTS receiptapi_notification_counters_received
	ON receiptapi_notification_counters(received_ts);
`

const insertCounterSQL = "" +
	"INSERT INTO receiptapi_notification_counters" +
	" (room_id, user_id, thread_id, event_id, event_stream_ordering, notifs, unreads, highlights, received_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" RETURNING id"

// Counters received inside the safety margin hold back every ordering at
// or above their own.
const selectAggregationBoundSQL = "" +
	"SELECT COALESCE(MIN(event_stream_ordering), $2) FROM receiptapi_notification_counters" +
	" WHERE received_ts >= $1"

const selectAggregatableSQL = "" +
	"SELECT id, room_id, user_id, thread_id, event_id, event_stream_ordering, notifs, unreads, highlights, received_ts" +
	" FROM receiptapi_notification_counters" +
	" WHERE event_stream_ordering > $1 AND event_stream_ordering <= (" +
	"  SELECT MAX(event_stream_ordering) FROM (" +
	"   SELECT event_stream_ordering FROM receiptapi_notification_counters" +
	"   WHERE event_stream_ordering > $1 AND event_stream_ordering < $2" +
	"   ORDER BY event_stream_ordering ASC LIMIT $3" +
	"  ) AS batch" +
	" )" +
	" ORDER BY event_stream_ordering ASC, id ASC"

const deleteCountersSQL = "" +
	"DELETE FROM receiptapi_notification_counters WHERE id = ANY($1)"

const deleteCountersUpToSQL = "" +
	"DELETE FROM receiptapi_notification_counters" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3"

const deleteThreadCountersUpToSQL = "" +
	"DELETE FROM receiptapi_notification_counters" +
	" WHERE user_id = $1 AND room_id = $2 AND event_stream_ordering <= $3 AND thread_id = $4"

const selectCountsForRoomsSQL = "" +
	"SELECT room_id, thread_id, SUM(notifs), SUM(unreads), SUM(highlights), MAX(event_stream_ordering)" +
	" FROM receiptapi_notification_counters" +
	" WHERE user_id = $1 AND room_id = ANY($2)" +
	" GROUP BY room_id, thread_id"

const purgeCountersSQL = "" +
	"DELETE FROM receiptapi_notification_counters WHERE room_id = $1"

type notificationCounterStatements struct {
	insertCounterStmt            *sql.Stmt
	selectAggregationBoundStmt   *sql.Stmt
	selectAggregatableStmt       *sql.Stmt
	deleteCountersStmt           *sql.Stmt
	deleteCountersUpToStmt       *sql.Stmt
	deleteThreadCountersUpToStmt *sql.Stmt
	selectCountsForRoomsStmt     *sql.Stmt
	purgeCountersStmt            *sql.Stmt
}

func NewPostgresNotificationCountersTable(db *sql.DB) (tables.NotificationCounters, error) {
	if _, err := db.Exec(notificationCountersSchema); err != nil {
		return nil, err
	}
	s := &notificationCounterStatements{}
	return s, sqlutil.StatementList{
		{&s.insertCounterStmt, insertCounterSQL},
		{&s.selectAggregationBoundStmt, selectAggregationBoundSQL},
		{&s.selectAggregatableStmt, selectAggregatableSQL},
		{&s.deleteCountersStmt, deleteCountersSQL},
		{&s.deleteCountersUpToStmt, deleteCountersUpToSQL},
		{&s.deleteThreadCountersUpToStmt, deleteThreadCountersUpToSQL},
		{&s.selectCountsForRoomsStmt, selectCountsForRoomsSQL},
		{&s.purgeCountersStmt, purgeCountersSQL},
	}.Prepare(db)
}

func (s *notificationCounterStatements) InsertCounter(ctx context.Context, txn *sql.Tx, c *types.NotificationCounter) error {
	return sqlutil.TxStmt(txn, s.insertCounterStmt).QueryRowContext(
		ctx, c.RoomID, c.UserID, types.ThreadKey(c.ThreadID), c.EventID, c.EventStreamOrdering,
		c.Notifs, c.Unreads, c.Highlights, c.ReceivedTS,
	).Scan(&c.ID)
}

func (s *notificationCounterStatements) SelectAggregatable(
	ctx context.Context, txn *sql.Tx, after int64, receivedBefore spec.Timestamp, limit int,
) ([]types.NotificationCounter, error) {
	var bound int64
	if err := sqlutil.TxStmt(txn, s.selectAggregationBoundStmt).QueryRowContext(ctx, receivedBefore, int64(math.MaxInt64)).Scan(&bound); err != nil {
		return nil, err
	}
	rows, err := sqlutil.TxStmt(txn, s.selectAggregatableStmt).QueryContext(ctx, after, bound, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAggregatable: rows.close() failed")
	return scanCounters(rows)
}

func scanCounters(rows *sql.Rows) ([]types.NotificationCounter, error) {
	var counters []types.NotificationCounter
	for rows.Next() {
		var c types.NotificationCounter
		var threadID string
		if err := rows.Scan(
			&c.ID, &c.RoomID, &c.UserID, &threadID, &c.EventID, &c.EventStreamOrdering,
			&c.Notifs, &c.Unreads, &c.Highlights, &c.ReceivedTS,
		); err != nil {
			return nil, err
		}
		c.ThreadID = types.ThreadFromKey(threadID)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

func (s *notificationCounterStatements) DeleteCounters(ctx context.Context, txn *sql.Tx, ids []int64) error {
	_, err := sqlutil.TxStmt(txn, s.deleteCountersStmt).ExecContext(ctx, pq.Int64Array(ids))
	return err
}

func (s *notificationCounterStatements) DeleteCountersUpTo(
	ctx context.Context, txn *sql.Tx, userID, roomID string, threadID *string, ordering int64,
) error {
	var err error
	if threadID == nil {
		_, err = sqlutil.TxStmt(txn, s.deleteCountersUpToStmt).ExecContext(ctx, userID, roomID, ordering)
	} else {
		_, err = sqlutil.TxStmt(txn, s.deleteThreadCountersUpToStmt).ExecContext(ctx, userID, roomID, ordering, *threadID)
	}
	return err
}

func (s *notificationCounterStatements) SelectCountsForRooms(
	ctx context.Context, txn *sql.Tx, userID string, roomIDs []string,
) ([]types.NotificationRollup, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectCountsForRoomsStmt).QueryContext(ctx, userID, pq.Array(roomIDs))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectCountsForRooms: rows.close() failed")
	return scanRollups(rows, userID)
}

func scanRollups(rows *sql.Rows, userID string) ([]types.NotificationRollup, error) {
	var rollups []types.NotificationRollup
	for rows.Next() {
		r := types.NotificationRollup{UserID: userID}
		var threadID string
		if err := rows.Scan(&r.RoomID, &threadID, &r.Counts.Notifs, &r.Counts.Unreads, &r.Counts.Highlights, &r.EventStreamOrdering); err != nil {
			return nil, err
		}
		r.ThreadID = types.ThreadFromKey(threadID)
		rollups = append(rollups, r)
	}
	return rollups, rows.Err()
}

func (s *notificationCounterStatements) PurgeCounters(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeCountersStmt).ExecContext(ctx, roomID)
	return err
}
