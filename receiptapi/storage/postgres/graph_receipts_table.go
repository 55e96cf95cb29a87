// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/tables"
	"github.com/element-hq/receiptstream/receiptapi/types"
)

const graphReceiptsSchema = `
-- Stores the event IDs each receipt was originally sent for
CREATE TABLE IF NOT EXISTS receiptapi_receipts_graph (
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	thread_id TEXT NOT NULL DEFAULT '',
	-- JSON array of event IDs
	event_ids TEXT NOT NULL,
	data TEXT NOT NULL,
	CONSTRAINT receiptapi_receipts_graph_unique UNIQUE (room_id, receipt_type, user_id, thread_id)
);
`

const upsertGraphReceiptSQL = "" +
	"INSERT INTO receiptapi_receipts_graph (room_id, receipt_type, user_id, thread_id, event_ids, data)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, receipt_type, user_id, thread_id)" +
	" DO UPDATE SET event_ids = EXCLUDED.event_ids, data = EXCLUDED.data"

const selectGraphReceiptSQL = "" +
	"SELECT event_ids, data FROM receiptapi_receipts_graph" +
	" WHERE room_id = $1 AND receipt_type = $2 AND user_id = $3 AND thread_id = $4"

const purgeGraphReceiptsSQL = "" +
	"DELETE FROM receiptapi_receipts_graph WHERE room_id = $1"

type graphReceiptStatements struct {
	upsertGraphReceiptStmt *sql.Stmt
	selectGraphReceiptStmt *sql.Stmt
	purgeGraphReceiptsStmt *sql.Stmt
}

func NewPostgresGraphReceiptsTable(db *sql.DB) (tables.GraphReceipts, error) {
	if _, err := db.Exec(graphReceiptsSchema); err != nil {
		return nil, err
	}
	s := &graphReceiptStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertGraphReceiptStmt, upsertGraphReceiptSQL},
		{&s.selectGraphReceiptStmt, selectGraphReceiptSQL},
		{&s.purgeGraphReceiptsStmt, purgeGraphReceiptsSQL},
	}.Prepare(db)
}

func (s *graphReceiptStatements) UpsertGraphReceipt(ctx context.Context, txn *sql.Tx, r *types.GraphReceipt) error {
	eventIDs, err := json.Marshal(r.EventIDs)
	if err != nil {
		return err
	}
	_, err = sqlutil.TxStmt(txn, s.upsertGraphReceiptStmt).ExecContext(
		ctx, r.RoomID, r.ReceiptType, r.UserID, types.ThreadKey(r.ThreadID), string(eventIDs), string(r.Data),
	)
	return err
}

func (s *graphReceiptStatements) SelectGraphReceipt(
	ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, threadID string,
) (*types.GraphReceipt, error) {
	var eventIDs, data string
	err := sqlutil.TxStmt(txn, s.selectGraphReceiptStmt).QueryRowContext(ctx, roomID, receiptType, userID, threadID).Scan(&eventIDs, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := &types.GraphReceipt{
		RoomID:      roomID,
		ReceiptType: receiptType,
		UserID:      userID,
		ThreadID:    types.ThreadFromKey(threadID),
		Data:        []byte(data),
	}
	if err = json.Unmarshal([]byte(eventIDs), &r.EventIDs); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *graphReceiptStatements) PurgeGraphReceipts(ctx context.Context, txn *sql.Tx, roomID string) error {
	_, err := sqlutil.TxStmt(txn, s.purgeGraphReceiptsStmt).ExecContext(ctx, roomID)
	return err
}
