// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/element-hq/receiptstream/internal"
	"github.com/element-hq/receiptstream/internal/sqlutil"
)

// prepareQuery prepares q on the transaction when there is one, since the
// connection pool only holds a single connection.
func prepareQuery(ctx context.Context, db *sql.DB, txn *sql.Tx, q string) (*sql.Stmt, error) {
	if txn != nil {
		return txn.PrepareContext(ctx, q)
	}
	return db.PrepareContext(ctx, q)
}

// queryIn runs query once per chunk of values. The fixed parameters come
// first and the "($n)" placeholder directly after them is expanded to
// hold the chunk.
func queryIn(
	ctx context.Context, db *sql.DB, txn *sql.Tx, query string,
	fixed, values []interface{}, handle func(rows *sql.Rows) error,
) error {
	placeholder := fmt.Sprintf("($%d)", len(fixed)+1)
	chunkSize := sqlutil.SQLite3MaxVariables - len(fixed)
	for start := 0; start < len(values); start += chunkSize {
		end := start + chunkSize
		if end > len(values) {
			end = len(values)
		}
		params := make([]interface{}, 0, len(fixed)+end-start)
		params = append(params, fixed...)
		params = append(params, values[start:end]...)
		q := strings.Replace(query, placeholder, sqlutil.QueryVariadicOffset(end-start, len(fixed)), 1)
		if err := queryOnce(ctx, db, txn, q, params, handle); err != nil {
			return err
		}
	}
	return nil
}

func queryOnce(
	ctx context.Context, db *sql.DB, txn *sql.Tx, q string,
	params []interface{}, handle func(rows *sql.Rows) error,
) error {
	prep, err := prepareQuery(ctx, db, txn, q)
	if err != nil {
		return err
	}
	defer internal.CloseAndLogIfError(ctx, prep, "queryIn: prep.close() failed")
	rows, err := prep.QueryContext(ctx, params...)
	if err != nil {
		return err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "queryIn: rows.close() failed")
	return handle(rows)
}

func stringParams(values []string) []interface{} {
	params := make([]interface{}, len(values))
	for i := range values {
		params[i] = values[i]
	}
	return params
}
