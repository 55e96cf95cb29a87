// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/receiptstream/internal/sqlutil"
)

const nextReceiptStreamIDSQL = "" +
	"SELECT nextval('receiptapi_receipts_sequence')"

// streamIDStatements hands out receipt stream IDs from a sequence shared by
// every writer. nextval is not transactional, so IDs of failed writes are
// never reused even when taken inside the write transaction.
type streamIDStatements struct {
	nextReceiptStreamIDStmt *sql.Stmt
}

func newStreamIDStatements(db *sql.DB) (*streamIDStatements, error) {
	s := &streamIDStatements{}
	return s, sqlutil.StatementList{
		{&s.nextReceiptStreamIDStmt, nextReceiptStreamIDSQL},
	}.Prepare(db)
}

func (s *streamIDStatements) NextStreamID(ctx context.Context, txn *sql.Tx) (id int64, err error) {
	err = sqlutil.TxStmt(txn, s.nextReceiptStreamIDStmt).QueryRowContext(ctx).Scan(&id)
	return
}
