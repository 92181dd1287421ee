package persistence

import (
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite is the dialect for modernc.org/sqlite.
//
// SQLite serialises writers, so the row lock clauses are empty. File
// databases should be opened with "_txlock=immediate" so that a
// read-then-update transaction takes the write lock up front.
var SQLite = Dialect{
	Name:              "sqlite",
	DriverName:        "sqlite",
	SerialPrimaryKey:  "INTEGER PRIMARY KEY AUTOINCREMENT",
	IsUniqueViolation: isSQLiteUniqueViolation,
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Connections without extended result codes only report the primary code.
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// NewSQLiteStore initializes the required schema in the given database and
// returns a new store.
//
// It expects an *sql.DB opened with the "sqlite" driver.
func NewSQLiteStore(db *sql.DB, logger *zap.Logger) (*SQLStore, error) {
	return NewSQLStore(db, SQLite, logger)
}

// OpenSQLiteMemory opens a private in-memory database. The pool is limited
// to one connection because every SQLite connection to ":memory:" sees its
// own database.
func OpenSQLiteMemory(logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open(SQLite.DriverName, ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
