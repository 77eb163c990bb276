// Package history persists finished jobs to a local SQLite database.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alantheprice/devosd/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	command TEXT NOT NULL,
	user_id TEXT,
	status TEXT,
	success BOOLEAN,
	execution_time_ms REAL,
	result_summary TEXT,
	model_used TEXT,
	tokens_consumed INTEGER,
	cost_usd REAL,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_command_history_timestamp ON command_history(timestamp);
CREATE INDEX IF NOT EXISTS idx_command_history_user ON command_history(user_id);
`

// Record is one finished job row.
type Record struct {
	JobID           string    `json:"job_id"`
	Command         string    `json:"command"`
	UserID          string    `json:"user_id"`
	Status          string    `json:"status"`
	Success         bool      `json:"success"`
	ExecutionTimeMs float64   `json:"execution_time_ms"`
	ResultSummary   string    `json:"result_summary"`
	ModelUsed       string    `json:"model_used"`
	TokensConsumed  int       `json:"tokens_consumed"`
	CostUSD         float64   `json:"cost_usd"`
	Timestamp       time.Time `json:"timestamp"`
}

// Store wraps the SQLite command history database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordJob appends a terminal job to the history. The job must be a
// snapshot; live jobs race with the engine.
func (s *Store) RecordJob(job types.Job) error {
	var success bool
	var execTime float64
	var summary string
	if job.Result != nil {
		success = job.Result.Success
		execTime = job.Result.ExecutionTimeMs
		summary = truncate(job.Result.Output, 500)
	}
	if job.Error != "" {
		summary = truncate(job.Error, 500)
	}

	_, err := s.db.Exec(`
		INSERT INTO command_history
		(job_id, command, user_id, status, success, execution_time_ms, result_summary, model_used, tokens_consumed, cost_usd, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, job.UserID, string(job.Status), success, execTime,
		summary, job.ModelUsed, job.TokensConsumed, job.CostUSD,
		job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record job history: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by user.
func (s *Store) Recent(userID string, limit int) ([]Record, error) {
	query := `
		SELECT job_id, command, user_id, status, success, execution_time_ms,
		       result_summary, model_used, tokens_consumed, cost_usd, timestamp
		FROM command_history`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(
			&rec.JobID, &rec.Command, &rec.UserID, &rec.Status, &rec.Success,
			&rec.ExecutionTimeMs, &rec.ResultSummary, &rec.ModelUsed,
			&rec.TokensConsumed, &rec.CostUSD, &ts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UsageTotals sums model spend for one user.
type UsageTotals struct {
	JobCount       int     `json:"job_count"`
	SuccessCount   int     `json:"success_count"`
	TokensConsumed int     `json:"tokens_consumed"`
	CostUSD        float64 `json:"cost_usd"`
}

// Totals aggregates usage for a user, or everyone when userID is empty.
func (s *Store) Totals(userID string) (UsageTotals, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(tokens_consumed), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM command_history`
	args := []any{}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}

	var totals UsageTotals
	err := s.db.QueryRow(query, args...).Scan(
		&totals.JobCount, &totals.SuccessCount, &totals.TokensConsumed, &totals.CostUSD,
	)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("failed to aggregate history: %w", err)
	}
	return totals, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
