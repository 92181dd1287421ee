package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"go.uber.org/zap"
)

const pgUniqueViolation = "23505"

// Postgres is the dialect for PostgreSQL through the pgx database/sql
// driver.
var Postgres = Dialect{
	Name:              "postgres",
	DriverName:        "pgx",
	NumberedParams:    true,
	SerialPrimaryKey:  "BIGSERIAL PRIMARY KEY",
	LockRow:           " FOR UPDATE",
	SkipLocked:        " FOR UPDATE SKIP LOCKED",
	IsUniqueViolation: isPostgresUniqueViolation,
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// NewPostgresStore initializes the required schema in the given database
// and returns a new store.
//
// It expects an *sql.DB opened with the "pgx" driver.
func NewPostgresStore(db *sql.DB, logger *zap.Logger) (*SQLStore, error) {
	return NewSQLStore(db, Postgres, logger)
}
