// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lib/pq"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

var Quiet = false
var Required = os.Getenv("RECEIPTSTREAM_TEST_DB_REQUIRED") == "1"

func defaulting(in, dflt string) string {
	if in == "" {
		return dflt
	}
	return in
}

var (
	host     = os.Getenv("POSTGRES_HOST")
	user     = defaulting(os.Getenv("POSTGRES_USER"), "postgres")
	password = os.Getenv("POSTGRES_PASSWORD")
	dbName   = defaulting(os.Getenv("POSTGRES_DB"), "receiptstream_test")
)

func connectionString(database string) string {
	connStr := fmt.Sprintf("user=%s dbname=%s sslmode=disable", user, database)
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return connStr
}

// createLocalDB creates a fresh database named after the running test,
// dropping any database of the same name first.
func createLocalDB(t *testing.T, database string) {
	t.Helper()
	db, err := sql.Open("postgres", connectionString(dbName))
	if err != nil {
		t.Fatalf("failed to open postgres conn: %s", err)
	}
	defer db.Close() // nolint: errcheck
	if _, err = db.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(database)); err != nil {
		t.Fatalf("failed to drop database %s: %s", database, err)
	}
	if _, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(database)); err != nil {
		t.Fatalf("failed to create database %s: %s", database, err)
	}
}

func dropLocalDB(database string) {
	db, err := sql.Open("postgres", connectionString(dbName))
	if err != nil {
		return
	}
	defer db.Close() // nolint: errcheck
	_, _ = db.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(database))
}

// PrepareDBConnectionString returns a connection string for a brand new
// database of the given type, and a function which tears it down.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	t.Helper()
	if dbType == DBTypeSQLite {
		dbfile := filepath.Join(t.TempDir(), "receiptstream_test.db")
		return "file:" + dbfile, func() {
			if err := os.Remove(dbfile); err != nil && !os.IsNotExist(err) {
				t.Logf("failed to remove database %s: %s", dbfile, err)
			}
		}
	}

	hash := sha256.Sum256([]byte(t.Name()))
	database := "receiptstream_test_" + strings.ToLower(hex.EncodeToString(hash[:8]))
	createLocalDB(t, database)
	return connectionString(database), func() {
		dropLocalDB(database)
	}
}

// WithAllDatabases runs testFn against SQLite, and against Postgres when
// POSTGRES_HOST is set.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"postgres": DBTypePostgres,
		"sqlite":   DBTypeSQLite,
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			if dbt == DBTypePostgres && host == "" {
				if Required {
					tt.Fatal("POSTGRES_HOST is not set")
				}
				if !Quiet {
					tt.Log("Skipping Postgres tests, POSTGRES_HOST is not set")
				}
				tt.Skip()
			}
			testFn(tt, dbt)
		})
	}
}
