// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/receiptstream/setup/config"
)

// Open opens the database described by dbProperties and returns the writer
// matching its engine: exclusive for SQLite, pass-through for Postgres.
func Open(dbProperties *config.DatabaseOptions) (*sql.DB, Writer, error) {
	var driverName, dsn string
	var writer Writer
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLITE_DRIVER_NAME
		path, err := dbProperties.ConnectionString.SQLiteFile()
		if err != nil {
			return nil, nil, fmt.Errorf("ParseFileURL: %w", err)
		}
		dsn = sqliteDSN(path)
		writer = NewExclusiveWriter()
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
		writer = NewDummyWriter()
	default:
		return nil, nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	logrus.WithFields(logrus.Fields{
		"max_open_conns":    dbProperties.MaxOpenConns(),
		"max_idle_conns":    dbProperties.MaxIdleConns(),
		"conn_max_lifetime": dbProperties.ConnMaxLifetime(),
		"data_source_name":  redactDSN(dsn),
	}).Debug("Setting DB connection limits")

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	if driverName == SQLITE_DRIVER_NAME {
		// A transaction holds the only connection, so nothing inside a
		// transaction may use the pool directly.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	return db, writer, nil
}

func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "password="); i >= 0 {
		end := strings.IndexAny(dsn[i:], " &")
		if end < 0 {
			return dsn[:i] + "password=***"
		}
		return dsn[:i] + "password=***" + dsn[i+end:]
	}
	return dsn
}
