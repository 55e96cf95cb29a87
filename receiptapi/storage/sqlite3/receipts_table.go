// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/receiptstream/internal"
	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/sqlite3/deltas"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

const receiptsSchema = `
-- Stores the latest linearized receipt per room, type, user and thread
CREATE TABLE IF NOT EXISTS receiptapi_receipts_linearized (
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
CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_stream_id ON receiptapi_receipts_linearized(stream_id);
CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_room_stream ON receiptapi_receipts_linearized(room_id, stream_id);
CREATE INDEX IF NOT EXISTS receiptapi_receipts_linearized_user ON receiptapi_receipts_linearized(user_id);
`

const receiptColumns = "stream_id, instance_name, room_id, receipt_type, user_id, thread_id, event_id, event_stream_ordering, data"

const selectReceiptSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE room_id = $1 AND receipt_type = $2 AND user_id = $3 AND thread_id = $4"

const upsertReceiptSQL = "" +
	"INSERT INTO receiptapi_receipts_linearized (" + receiptColumns + ")" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)" +
	" ON CONFLICT (room_id, receipt_type, user_id, thread_id)" +
	" DO UPDATE SET stream_id = excluded.stream_id, instance_name = excluded.instance_name," +
	"  event_id = excluded.event_id, event_stream_ordering = excluded.event_stream_ordering, data = excluded.data" +
	" WHERE receiptapi_receipts_linearized.event_stream_ordering IS NULL" +
	"  OR excluded.event_stream_ordering IS NULL" +
	"  OR receiptapi_receipts_linearized.event_stream_ordering < excluded.event_stream_ordering"

// The room list is expanded at runtime.
const selectRoomReceiptsBetweenSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE stream_id > $1 AND stream_id <= $2 AND room_id IN ($3)" +
	" ORDER BY stream_id ASC"

const selectAllRoomReceiptsBetweenSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE stream_id > $1 AND stream_id <= $2" +
	" ORDER BY stream_id DESC LIMIT $3"

// The receipt type list is expanded at runtime.
const selectUserReceiptsSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE user_id = $1 AND event_stream_ordering IS NOT NULL AND receipt_type IN ($2)"

const selectUserRoomReceiptsSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE user_id = $1 AND room_id = $2 AND thread_id = $3 AND event_stream_ordering IS NOT NULL" +
	" AND receipt_type IN ($4)"

const selectUsersBetweenSQL = "" +
	"SELECT DISTINCT user_id FROM receiptapi_receipts_linearized" +
	" WHERE stream_id > $1 AND stream_id <= $2"

const selectWriterReceiptsBetweenSQL = "" +
	"SELECT " + receiptColumns + " FROM receiptapi_receipts_linearized" +
	" WHERE instance_name = $1 AND stream_id > $2 AND stream_id <= $3" +
	" ORDER BY stream_id ASC LIMIT $4"

const selectMaxStreamIDsSQL = "" +
	"SELECT instance_name, MAX(stream_id) FROM receiptapi_receipts_linearized GROUP BY instance_name"

const selectRecentRoomChangesSQL = "" +
	"SELECT room_id, stream_id FROM receiptapi_receipts_linearized" +
	" ORDER BY stream_id DESC LIMIT $1"

const purgeReceiptsSQL = "" +
	"DELETE FROM receiptapi_receipts_linearized WHERE room_id = $1"

type receiptStatements struct {
	db                          *sql.DB
	selectReceiptStmt           *sql.Stmt
	upsertReceiptStmt           *sql.Stmt
	selectAllRoomReceiptsStmt   *sql.Stmt
	selectUsersBetweenStmt      *sql.Stmt
	selectWriterReceiptsStmt    *sql.Stmt
	selectMaxStreamIDsStmt      *sql.Stmt
	selectRecentRoomChangesStmt *sql.Stmt
	purgeReceiptsStmt           *sql.Stmt
	// selectRoomReceiptsBetween, selectUserReceipts and selectUserRoomReceipts
	// are prepared per query
}

func NewSqliteReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "receiptapi: add thread_id to linearized receipts",
		Up:      deltas.UpReceiptsThreadID,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, err
	}
	r := &receiptStatements{
		db: db,
	}
	return r, sqlutil.StatementList{
		{&r.selectReceiptStmt, selectReceiptSQL},
		{&r.upsertReceiptStmt, upsertReceiptSQL},
		{&r.selectAllRoomReceiptsStmt, selectAllRoomReceiptsBetweenSQL},
		{&r.selectUsersBetweenStmt, selectUsersBetweenSQL},
		{&r.selectWriterReceiptsStmt, selectWriterReceiptsBetweenSQL},
		{&r.selectMaxStreamIDsStmt, selectMaxStreamIDsSQL},
		{&r.selectRecentRoomChangesStmt, selectRecentRoomChangesSQL},
		{&r.purgeReceiptsStmt, purgeReceiptsSQL},
	}.Prepare(db)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row scanner) (types.Receipt, error) {
	var (
		r        types.Receipt
		threadID string
		ordering sql.NullInt64
		data     string
	)
	if err := row.Scan(&r.StreamID, &r.InstanceName, &r.RoomID, &r.ReceiptType, &r.UserID, &threadID, &r.EventID, &ordering, &data); err != nil {
		return r, err
	}
	r.ThreadID = types.ThreadFromKey(threadID)
	if ordering.Valid {
		r.EventStreamOrdering = &ordering.Int64
	}
	r.Data = []byte(data)
	return r, nil
}

func (s *receiptStatements) queryReceiptsIn(
	ctx context.Context, txn *sql.Tx, what, query string, fixed []interface{}, values []string,
) ([]types.Receipt, error) {
	var res []types.Receipt
	err := queryIn(ctx, s.db, txn, query, fixed, stringParams(values), func(rows *sql.Rows) error {
		for rows.Next() {
			r, err := scanReceipt(rows)
			if err != nil {
				return fmt.Errorf("%s: unable to scan receipt: %w", what, err)
			}
			res = append(res, r)
		}
		return rows.Err()
	})
	return res, err
}

func scanReceipts(ctx context.Context, rows *sql.Rows, what string) ([]types.Receipt, error) {
	defer internal.CloseAndLogIfError(ctx, rows, what+": rows.close() failed")
	var res []types.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to scan receipt: %w", what, err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *receiptStatements) SelectReceipt(
	ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, threadID string,
) (*types.Receipt, error) {
	r, err := scanReceipt(sqlutil.TxStmt(txn, s.selectReceiptStmt).QueryRowContext(ctx, roomID, receiptType, userID, threadID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *receiptStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, r *types.Receipt) (bool, error) {
	var ordering sql.NullInt64
	if r.EventStreamOrdering != nil {
		ordering = sql.NullInt64{Int64: *r.EventStreamOrdering, Valid: true}
	}
	res, err := sqlutil.TxStmt(txn, s.upsertReceiptStmt).ExecContext(
		ctx, r.StreamID, r.InstanceName, r.RoomID, r.ReceiptType, r.UserID,
		types.ThreadKey(r.ThreadID), r.EventID, ordering, string(r.Data),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *receiptStatements) SelectRoomReceiptsBetween(
	ctx context.Context, txn *sql.Tx, roomIDs []string, from, to types.StreamPosition,
) ([]types.Receipt, error) {
	return s.queryReceiptsIn(ctx, txn, "SelectRoomReceiptsBetween", selectRoomReceiptsBetweenSQL, []interface{}{from, to}, roomIDs)
}

func (s *receiptStatements) SelectAllRoomReceiptsBetween(
	ctx context.Context, txn *sql.Tx, from, to types.StreamPosition, limit int,
) ([]types.Receipt, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAllRoomReceiptsStmt).QueryContext(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query all room receipts: %w", err)
	}
	return scanReceipts(ctx, rows, "SelectAllRoomReceiptsBetween")
}

func (s *receiptStatements) SelectUserReceipts(
	ctx context.Context, txn *sql.Tx, userID string, receiptTypes []string,
) ([]types.Receipt, error) {
	return s.queryReceiptsIn(ctx, txn, "SelectUserReceipts", selectUserReceiptsSQL, []interface{}{userID}, receiptTypes)
}

func (s *receiptStatements) SelectUserRoomReceipts(
	ctx context.Context, txn *sql.Tx, userID, roomID, threadID string, receiptTypes []string,
) ([]types.Receipt, error) {
	return s.queryReceiptsIn(ctx, txn, "SelectUserRoomReceipts", selectUserRoomReceiptsSQL, []interface{}{userID, roomID, threadID}, receiptTypes)
}

func (s *receiptStatements) SelectUsersBetween(
	ctx context.Context, txn *sql.Tx, from, to types.StreamPosition,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectUsersBetweenStmt).QueryContext(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("unable to query receipt senders: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectUsersBetween: rows.close() failed")
	var users []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (s *receiptStatements) SelectWriterReceiptsBetween(
	ctx context.Context, txn *sql.Tx, writer string, from, to types.StreamPosition, limit int,
) ([]types.Receipt, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectWriterReceiptsStmt).QueryContext(ctx, writer, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query writer receipts: %w", err)
	}
	return scanReceipts(ctx, rows, "SelectWriterReceiptsBetween")
}

func (s *receiptStatements) SelectMaxStreamIDs(ctx context.Context, txn *sql.Tx) (map[string]types.StreamPosition, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMaxStreamIDsStmt).QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMaxStreamIDs: rows.close() failed")
	result := make(map[string]types.StreamPosition)
	for rows.Next() {
		var writer string
		var pos types.StreamPosition
		if err = rows.Scan(&writer, &pos); err != nil {
			return nil, err
		}
		result[writer] = pos
	}
	return result, rows.Err()
}

func (s *receiptStatements) SelectRecentRoomChanges(
	ctx context.Context, txn *sql.Tx, limit int,
) (map[string]types.StreamPosition, types.StreamPosition, int, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRecentRoomChangesStmt).QueryContext(ctx, limit)
	if err != nil {
		return nil, 0, 0, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRecentRoomChanges: rows.close() failed")
	rooms := make(map[string]types.StreamPosition)
	var lowest types.StreamPosition
	count := 0
	for rows.Next() {
		var roomID string
		var pos types.StreamPosition
		if err = rows.Scan(&roomID, &pos); err != nil {
			return nil, 0, 0, err
		}
		if pos > rooms[roomID] {
			rooms[roomID] = pos
		}
		if count == 0 || pos < lowest {
			lowest = pos
		}
		count++
	}
	return rooms, lowest, count, rows.Err()
}

func (s *receiptStatements) PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeReceiptsStmt).ExecContext(ctx, roomID)
	return err
}
