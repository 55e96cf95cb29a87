// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/receiptstream/internal/sqlutil"
	"github.com/element-hq/receiptstream/receiptapi/storage/postgres"
	"github.com/element-hq/receiptstream/receiptapi/storage/sqlite3"
	"github.com/element-hq/receiptstream/setup/config"
)

// NewDatabase opens a database connection.
func NewDatabase(dbProperties *config.DatabaseOptions) (Database, error) {
	db, writer, err := sqlutil.Open(dbProperties)
	if err != nil {
		return nil, fmt.Errorf("sqlutil.Open: %w", err)
	}
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(db, writer)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(db, writer)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
