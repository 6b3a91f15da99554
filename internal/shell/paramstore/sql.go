package paramstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/konpol/sampipe/internal/core/params"
)

const parametersSchema = `
CREATE TABLE IF NOT EXISTS parameters (
	name       TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL
)`

// Returns the new version; 1 means the row was created.
const upsertParameter = `
INSERT INTO parameters (name, value, version, updated_at)
VALUES (?, ?, 1, ?)
ON CONFLICT (name) DO UPDATE
SET value = excluded.value, version = parameters.version + 1, updated_at = excluded.updated_at
RETURNING version`

// SQLStore is a Store backed by a SQL table. It works with the sqlite3 and
// pgx drivers.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQLStore opens driver/dsn and ensures the parameters table exists.
// driver is "sqlite3" or "pgx".
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, NewParamError("Open", "sql", "", err.Error(), ErrUnavailable)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore uses an existing connection and ensures the parameters table exists.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, NewParamError("Open", "sql", "", "failed to ping database", ErrUnavailable)
	}
	if _, err := db.ExecContext(ctx, parametersSchema); err != nil {
		return nil, NewParamError("Open", "sql", "", "failed to create parameters table: "+err.Error(), ErrUnavailable)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Put(ctx context.Context, key, value string) (bool, error) {
	if err := params.ValidateKey(key); err != nil {
		return false, NewParamError("Put", "sql", key, "invalid key", err)
	}
	var version int64
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.db.GetContext(ctx, &version, s.db.Rebind(upsertParameter), key, value, now); err != nil {
		return false, NewParamError("Put", "sql", key, err.Error(), ErrUnavailable)
	}
	return version > 1, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	if err := params.ValidateKey(key); err != nil {
		return "", NewParamError("Get", "sql", key, "invalid key", err)
	}
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM parameters WHERE name = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", NewParamError("Get", "sql", key, "no value", ErrNotFound)
		}
		return "", NewParamError("Get", "sql", key, err.Error(), ErrUnavailable)
	}
	return value, nil
}

// Version returns how many times key has been written, or 0 when never.
func (s *SQLStore) Version(ctx context.Context, key string) (int64, error) {
	var version int64
	err := s.db.GetContext(ctx, &version, s.db.Rebind(`SELECT version FROM parameters WHERE name = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, NewParamError("Version", "sql", key, err.Error(), ErrUnavailable)
	}
	return version, nil
}
