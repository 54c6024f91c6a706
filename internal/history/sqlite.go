package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/engine"
)

// DefaultLimit bounds List when the caller passes no limit.
const DefaultLimit = 50

// Attempt is one recorded finalize result.
type Attempt struct {
	ID         int64               `json:"id"`
	SessionID  string              `json:"session_id"`
	MasterID   string              `json:"master_id"`
	SampleRate int                 `json:"sample_rate"`
	Score      float64             `json:"score"`
	Reliable   bool                `json:"reliable"`
	Grade      string              `json:"grade"`
	FinishedAt time.Time           `json:"finished_at"`
	Metrics    engine.FinalMetrics `json:"metrics"`
}

// Store is a SQLite-backed attempt log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "_busy_timeout") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	const schema = `
    CREATE TABLE IF NOT EXISTS attempts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        session_id TEXT NOT NULL,
        master_id TEXT NOT NULL,
        sample_rate INTEGER NOT NULL,
        score REAL NOT NULL,
        reliable INTEGER NOT NULL DEFAULT 0,
        grade TEXT NOT NULL,
        finished_at DATETIME NOT NULL,
        metrics TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_attempts_master ON attempts(master_id, finished_at);
    `
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("error creating attempts table: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record stores one finalize report.
func (s *Store) Record(ctx context.Context, r engine.FinalReport) (int64, error) {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return 0, fmt.Errorf("error encoding metrics: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO attempts (session_id, master_id, sample_rate, score, reliable, grade, finished_at, metrics)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.SessionID), r.MasterID, r.SampleRate,
		r.Metrics.SimilarityAtFinalize, r.Metrics.Reliable, string(r.Metrics.Grade),
		r.FinishedAt.UTC(), string(metrics),
	)
	if err != nil {
		return 0, fmt.Errorf("error inserting attempt: %w", err)
	}
	return res.LastInsertId()
}

// List returns the most recent attempts, newest first. An empty masterID
// lists every master; limit <= 0 means DefaultLimit.
func (s *Store) List(ctx context.Context, masterID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, session_id, master_id, sample_rate, score, reliable, grade, finished_at, metrics FROM attempts`
	args := []any{}
	if masterID != "" {
		query += ` WHERE master_id = ?`
		args = append(args, masterID)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying attempts: %w", err)
	}
	defer rows.Close()

	attempts := []Attempt{}
	for rows.Next() {
		var (
			a       Attempt
			metrics string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.MasterID, &a.SampleRate,
			&a.Score, &a.Reliable, &a.Grade, &a.FinishedAt, &metrics); err != nil {
			return nil, fmt.Errorf("error scanning attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &a.Metrics); err != nil {
			return nil, fmt.Errorf("error decoding metrics for attempt %d: %w", a.ID, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Hook returns a finalize hook that records every report and logs failures.
func (s *Store) Hook(logger *slog.Logger) engine.FinalizeHook {
	return func(ctx context.Context, r engine.FinalReport) {
		if _, err := s.Record(ctx, r); err != nil {
			logger.Error("Failed to record attempt",
				slog.String("session_id", string(r.SessionID)),
				slog.String("master_id", r.MasterID),
				slog.String("error", err.Error()),
			)
		}
	}
}
