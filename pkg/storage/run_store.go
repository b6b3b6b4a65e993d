package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run statuses.
const (
	RunStatusPassed = "passed"
	RunStatusFailed = "failed"
)

// Run is a persisted execution report.
type Run struct {
	ID          string          `json:"id"`
	TestCaseID  string          `json:"testCaseId"`
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Notes       string          `json:"notes"`
	StepResults json.RawMessage `json:"stepResults"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// RecordRun persists a run report and returns its id.
func (s *Store) RecordRun(run *Run) (string, error) {
	if run == nil {
		return "", fmt.Errorf("run required")
	}
	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	stepResults := run.StepResults
	if len(stepResults) == 0 {
		stepResults = json.RawMessage("[]")
	}

	query := `
		INSERT INTO runs (run_id, test_case_id, execution_id, status, notes, step_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		run.ID, run.TestCaseID, run.ExecutionID, run.Status, run.Notes, string(stepResults), run.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return run.ID, nil
}

// GetRun returns the run with the given id, or nil when absent.
func (s *Store) GetRun(id string) (*Run, error) {
	query := `
		SELECT run_id, test_case_id, execution_id, status, notes, step_results, created_at
		FROM runs WHERE run_id = ?
	`
	run, err := scanRun(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRunsForTestCase returns up to limit runs for a test case, newest first.
func (s *Store) ListRunsForTestCase(testCaseID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT run_id, test_case_id, execution_id, status, notes, step_results, created_at
		FROM runs WHERE test_case_id = ? ORDER BY created_at DESC LIMIT ?
	`
	rows, err := s.db.Query(query, testCaseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var stepResults string
	if err := row.Scan(&run.ID, &run.TestCaseID, &run.ExecutionID, &run.Status, &run.Notes, &stepResults, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.StepResults = json.RawMessage(stepResults)
	return &run, nil
}
