package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/stagerun/internal/engine"
	"github.com/aristath/stagerun/internal/pipeline"
)

// ErrNotFound is returned when a run ID is not in the store.
var ErrNotFound = errors.New("run not found")

// RunSummary is one row of run history.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	Pipeline   string          `json:"pipeline"`
	Result     pipeline.Result `json:"result"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Stages     int             `json:"stages"`
	Failed     int             `json:"failed"`
}

// Store keeps finished run reports.
type Store interface {
	SaveReport(ctx context.Context, report *engine.RunReport) error
	GetReport(ctx context.Context, runID string) (*engine.RunReport, error)
	// ListRuns returns the most recent runs first. limit <= 0 means no limit.
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
// Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for testing. Each call gets its
// own database; the shared cache lets the pool's connections see it.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
