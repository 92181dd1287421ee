package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SQLStore implements every store interface on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// now is the store's clock for bookkeeping columns.
var now = func() time.Time { return time.Now().UTC() }

var (
	_ FlowNodeInstanceStore  = (*SQLStore)(nil)
	_ CorrelationStore       = (*SQLStore)(nil)
	_ ExternalTaskStore      = (*SQLStore)(nil)
	_ ProcessDefinitionStore = (*SQLStore)(nil)
)

// NewSQLStore initializes the schema for dialect d and returns a store.
func NewSQLStore(db *sql.DB, d Dialect, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{db: db, dialect: d, logger: logger.Named("persistence")}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens a database for the named dialect ("sqlite" or "postgres") and
// initializes the schema.
func Open(dialect, dsn string, maxOpenConns int, logger *zap.Logger) (*SQLStore, error) {
	var d Dialect
	switch dialect {
	case SQLite.Name:
		d = SQLite
	case Postgres.Name:
		d = Postgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(d.DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.Ping(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	s, err := NewSQLStore(db, d, logger)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect of the store.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.dialect.rebind(query) }

// withTx runs fn in a transaction. The transaction is rolled back when fn
// fails; rollback failures are reported together with the cause.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
			return multierr.Append(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// insertErr maps unique violations to ErrDuplicate.
func (s *SQLStore) insertErr(err error) error {
	if err != nil && s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// jsonArg passes encoded JSON as a text argument, or NULL when empty.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// encodeJSON encodes v unless it is a nil pointer.
func encodeJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := EncodeValue(v)
	if err != nil {
		return nil, err
	}
	return jsonArg(b), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}

type rowScanner interface {
	Scan(dest ...any) error
}
