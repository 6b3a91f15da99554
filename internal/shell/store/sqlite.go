package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens dsn and runs migrations. The pool is capped at one
// connection so that ":memory:" databases are shared and writers never
// contend for the file lock.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// withPragmas appends the connection options the store relies on, keeping
// any query parameters already present in dsn.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_busy_timeout=5000"
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// DB exposes the connection so other stores can share it.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Definition Operations
// =============================================================================

// definitionRow represents a definition revision row in the database.
type definitionRow struct {
	Name      string `db:"name"`
	Version   int64  `db:"version"`
	Hash      string `db:"hash"`
	Body      string `db:"body"`
	CreatedAt string `db:"created_at"`
}

func (s *SQLiteStore) GetLiveDefinition(ctx context.Context, name string) (*DefinitionRecord, error) {
	return getLiveDefinition(ctx, s.db, name)
}

// SaveDefinition appends a revision inside a transaction so the version
// check and the insert cannot interleave with another writer.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def pipeline.Definition, expectedVersion int64) (*DefinitionRecord, error) {
	var rec *DefinitionRecord
	err := s.WithTx(ctx, func(tx Store) error {
		var err error
		rec, err = tx.SaveDefinition(ctx, def, expectedVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) ListDefinitionRevisions(ctx context.Context, name string, opts ListOptions) ([]DefinitionRecord, error) {
	return listDefinitionRevisions(ctx, s.db, name, opts)
}

// =============================================================================
// Execution Operations
// =============================================================================

// executionRow represents an execution row in the database.
type executionRow struct {
	ID             string  `db:"id"`
	Pipeline       string  `db:"pipeline"`
	CommitRef      string  `db:"commit_ref"`
	TriggerSource  string  `db:"trigger_source"`
	Status         string  `db:"status"`
	DefinitionHash string  `db:"definition_hash"`
	Restarts       int     `db:"restarts"`
	ErrorMessage   string  `db:"error_message"`
	Stages         *string `db:"stages"`
	CreatedAt      string  `db:"created_at"`
	StartedAt      *string `db:"started_at"`
	FinishedAt     *string `db:"finished_at"`
}

func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *pipeline.Execution) error {
	return saveExecution(ctx, s.db, exec)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	return getExecution(ctx, s.db, id)
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, pipelineName string, opts ListOptions) ([]pipeline.Execution, error) {
	return listExecutions(ctx, s.db, pipelineName, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) GetLiveDefinition(ctx context.Context, name string) (*DefinitionRecord, error) {
	return getLiveDefinition(ctx, s.tx, name)
}

func (s *txSQLiteStore) SaveDefinition(ctx context.Context, def pipeline.Definition, expectedVersion int64) (*DefinitionRecord, error) {
	return saveDefinition(ctx, s.tx, def, expectedVersion)
}

func (s *txSQLiteStore) ListDefinitionRevisions(ctx context.Context, name string, opts ListOptions) ([]DefinitionRecord, error) {
	return listDefinitionRevisions(ctx, s.tx, name, opts)
}

func (s *txSQLiteStore) SaveExecution(ctx context.Context, exec *pipeline.Execution) error {
	return saveExecution(ctx, s.tx, exec)
}

func (s *txSQLiteStore) GetExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	return getExecution(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListExecutions(ctx context.Context, pipelineName string, opts ListOptions) ([]pipeline.Execution, error) {
	return listExecutions(ctx, s.tx, pipelineName, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func getLiveDefinition(ctx context.Context, exec executor, name string) (*DefinitionRecord, error) {
	query := `SELECT * FROM definitions WHERE name = ? ORDER BY version DESC LIMIT 1`

	var row definitionRow
	err := exec.GetContext(ctx, &row, query, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetLiveDefinition", "definition", name, "no definition saved", ErrNotFound)
		}
		return nil, NewStoreError("GetLiveDefinition", "definition", name, err.Error(), err)
	}

	return rowToDefinition(&row)
}

func saveDefinition(ctx context.Context, exec executor, def pipeline.Definition, expectedVersion int64) (*DefinitionRecord, error) {
	if err := def.Validate(); err != nil {
		return nil, NewStoreError("SaveDefinition", "definition", def.Name, err.Error(), ErrInvalidData)
	}
	body, err := pipeline.MarshalDefinition(def)
	if err != nil {
		return nil, NewStoreError("SaveDefinition", "definition", def.Name, "failed to serialize definition", ErrInvalidData)
	}
	hash, err := pipeline.Hash(def)
	if err != nil {
		return nil, NewStoreError("SaveDefinition", "definition", def.Name, "failed to hash definition", ErrInvalidData)
	}

	var current int64
	err = exec.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM definitions WHERE name = ?`, def.Name)
	if err != nil {
		return nil, NewStoreError("SaveDefinition", "definition", def.Name, err.Error(), err)
	}
	if current != expectedVersion {
		return nil, NewStoreError("SaveDefinition", "definition", def.Name,
			fmt.Sprintf("expected version %d, live version is %d", expectedVersion, current), ErrVersionConflict)
	}

	rec := &DefinitionRecord{
		Name:       def.Name,
		Version:    current + 1,
		Hash:       hash,
		Definition: def.Clone(),
		CreatedAt:  time.Now().UTC(),
	}

	query := `
		INSERT INTO definitions (name, version, hash, body, created_at)
		VALUES (:name, :version, :hash, :body, :created_at)`

	row := map[string]any{
		"name":       rec.Name,
		"version":    rec.Version,
		"hash":       rec.Hash,
		"body":       string(body),
		"created_at": rec.CreatedAt.Format(time.RFC3339Nano),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, NewStoreError("SaveDefinition", "definition", def.Name, "revision saved concurrently", ErrVersionConflict)
		}
		return nil, NewStoreError("SaveDefinition", "definition", def.Name, err.Error(), err)
	}

	return rec, nil
}

func listDefinitionRevisions(ctx context.Context, exec executor, name string, opts ListOptions) ([]DefinitionRecord, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM definitions WHERE name = ? ORDER BY version DESC LIMIT ? OFFSET ?`

	var rows []definitionRow
	err := exec.SelectContext(ctx, &rows, query, name, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListDefinitionRevisions", "definition", name, err.Error(), err)
	}

	records := make([]DefinitionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToDefinition(&row)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	return records, nil
}

func saveExecution(ctx context.Context, exec executor, e *pipeline.Execution) error {
	stagesJSON, err := json.Marshal(e.Stages)
	if err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, "failed to serialize stages", ErrInvalidData)
	}

	query := `
		INSERT INTO executions (
			id, pipeline, commit_ref, trigger_source, status, definition_hash,
			restarts, error_message, stages, created_at, started_at, finished_at
		) VALUES (
			:id, :pipeline, :commit_ref, :trigger_source, :status, :definition_hash,
			:restarts, :error_message, :stages, :created_at, :started_at, :finished_at
		)
		ON CONFLICT(id) DO UPDATE SET
			pipeline = excluded.pipeline,
			status = excluded.status,
			definition_hash = excluded.definition_hash,
			restarts = excluded.restarts,
			error_message = excluded.error_message,
			stages = excluded.stages,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`

	row := map[string]any{
		"id":              e.ID,
		"pipeline":        e.Pipeline,
		"commit_ref":      e.CommitRef,
		"trigger_source":  e.TriggerSource,
		"status":          string(e.Status),
		"definition_hash": e.DefinitionHash,
		"restarts":        e.Restarts,
		"error_message":   e.Error,
		"stages":          string(stagesJSON),
		"created_at":      e.CreatedAt.Format(time.RFC3339Nano),
		"started_at":      formatTime(e.StartedAt),
		"finished_at":     formatTime(e.FinishedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		return NewStoreError("SaveExecution", "execution", e.ID, err.Error(), err)
	}
	return nil
}

func getExecution(ctx context.Context, exec executor, id string) (*pipeline.Execution, error) {
	query := `SELECT * FROM executions WHERE id = ?`

	var row executionRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetExecution", "execution", id, "execution not found", ErrNotFound)
		}
		return nil, NewStoreError("GetExecution", "execution", id, err.Error(), err)
	}

	return rowToExecution(&row)
}

func listExecutions(ctx context.Context, exec executor, pipelineName string, opts ListOptions) ([]pipeline.Execution, error) {
	opts = opts.Normalize()

	var rows []executionRow
	var err error
	if pipelineName == "" {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	} else {
		err = exec.SelectContext(ctx, &rows,
			`SELECT * FROM executions WHERE pipeline = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
			pipelineName, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, NewStoreError("ListExecutions", "execution", "", err.Error(), err)
	}

	executions := make([]pipeline.Execution, 0, len(rows))
	for _, row := range rows {
		e, err := rowToExecution(&row)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}

	return executions, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func rowToDefinition(row *definitionRow) (*DefinitionRecord, error) {
	def, err := pipeline.UnmarshalDefinition([]byte(row.Body))
	if err != nil {
		return nil, NewStoreError("rowToDefinition", "definition", row.Name, "failed to parse definition", ErrInvalidData)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)

	return &DefinitionRecord{
		Name:       row.Name,
		Version:    row.Version,
		Hash:       row.Hash,
		Definition: def,
		CreatedAt:  createdAt,
	}, nil
}

func rowToExecution(row *executionRow) (*pipeline.Execution, error) {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)

	var stages []pipeline.StageRun
	if row.Stages != nil && *row.Stages != "" && *row.Stages != "null" {
		if err := json.Unmarshal([]byte(*row.Stages), &stages); err != nil {
			return nil, NewStoreError("rowToExecution", "execution", row.ID, "failed to parse stages", ErrInvalidData)
		}
	}

	return &pipeline.Execution{
		ID:             row.ID,
		Pipeline:       row.Pipeline,
		CommitRef:      row.CommitRef,
		TriggerSource:  row.TriggerSource,
		Status:         pipeline.Status(row.Status),
		DefinitionHash: row.DefinitionHash,
		Restarts:       row.Restarts,
		Error:          row.ErrorMessage,
		Stages:         stages,
		CreatedAt:      createdAt,
		StartedAt:      parseTime(row.StartedAt),
		FinishedAt:     parseTime(row.FinishedAt),
	}, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
