// Package store persists session and step outcomes in SQLite so finished
// runs can be inspected without re-parsing the chronolog. The chronolog
// stays the source of truth; this is a queryable index over it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or step does not exist.
var ErrNotFound = errors.New("not found")

// SessionRecord summarizes one orchestrated run.
type SessionRecord struct {
	SessionID     string
	CreatedAt     time.Time
	Status        string
	ChronologPath string
	HeadHash      string
	TotalCostUSD  float64
}

// StepRecord summarizes one step of a run.
type StepRecord struct {
	SessionID  string
	StepID     string
	Role       string
	ModelUsed  string
	Status     string
	Attempts   int
	TokensIn   int
	TokensOut  int
	CostUSD    float64
	Output     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Store wraps a single-connection SQLite database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open initializes the database at path, creating parent directories and
// the schema as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer connection; SQLite serializes writes anyway and a single
	// conn avoids SQLITE_BUSY under concurrent step completion.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id     TEXT PRIMARY KEY,
		created_at     DATETIME NOT NULL,
		status         TEXT NOT NULL,
		chronolog_path TEXT NOT NULL,
		head_hash      TEXT NOT NULL DEFAULT '',
		total_cost_usd REAL NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS steps (
		session_id  TEXT NOT NULL,
		step_id     TEXT NOT NULL,
		role        TEXT NOT NULL,
		model_used  TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		tokens_in   INTEGER NOT NULL DEFAULT 0,
		tokens_out  INTEGER NOT NULL DEFAULT 0,
		cost_usd    REAL NOT NULL DEFAULT 0,
		output      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		started_at  DATETIME,
		finished_at DATETIME,
		PRIMARY KEY (session_id, step_id)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveSession inserts or updates a session row.
func (s *Store) SaveSession(rec SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, created_at, status, chronolog_path, head_hash, total_cost_usd)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			head_hash = excluded.head_hash,
			total_cost_usd = excluded.total_cost_usd`,
		rec.SessionID, rec.CreatedAt.UTC(), rec.Status, rec.ChronologPath, rec.HeadHash, rec.TotalCostUSD)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetSession fetches one session.
func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRow(`
		SELECT session_id, created_at, status, chronolog_path, head_hash, total_cost_usd
		FROM sessions WHERE session_id = ?`, sessionID).Scan(
		&rec.SessionID, &rec.CreatedAt, &rec.Status, &rec.ChronologPath, &rec.HeadHash, &rec.TotalCostUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// SaveStep inserts or updates a step row.
func (s *Store) SaveStep(rec StepRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO steps (session_id, step_id, role, model_used, status, attempts,
			tokens_in, tokens_out, cost_usd, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, step_id) DO UPDATE SET
			model_used = excluded.model_used,
			status = excluded.status,
			attempts = excluded.attempts,
			tokens_in = excluded.tokens_in,
			tokens_out = excluded.tokens_out,
			cost_usd = excluded.cost_usd,
			output = excluded.output,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		rec.SessionID, rec.StepID, rec.Role, rec.ModelUsed, rec.Status, rec.Attempts,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.Output, rec.Error,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save step %s/%s: %w", rec.SessionID, rec.StepID, err)
	}
	return nil
}

// ListSteps returns a session's steps ordered by step id.
func (s *Store) ListSteps(sessionID string) ([]StepRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, step_id, role, model_used, status, attempts,
			tokens_in, tokens_out, cost_usd, output, error, started_at, finished_at
		FROM steps WHERE session_id = ? ORDER BY step_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.SessionID, &rec.StepID, &rec.Role, &rec.ModelUsed,
			&rec.Status, &rec.Attempts, &rec.TokensIn, &rec.TokensOut, &rec.CostUSD,
			&rec.Output, &rec.Error, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
