package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TestCase is a stored test case: a title plus an ordered list of step
// descriptions.
type TestCase struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Steps     []string  `json:"steps"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateTestCase inserts a test case, generating an id when absent.
func (s *Store) CreateTestCase(tc *TestCase) error {
	if tc == nil {
		return fmt.Errorf("test case required")
	}
	if strings.TrimSpace(tc.Title) == "" {
		return fmt.Errorf("test case title required")
	}
	if tc.ID == "" {
		tc.ID = ulid.Make().String()
	}
	now := time.Now()
	if tc.CreatedAt.IsZero() {
		tc.CreatedAt = now
	}
	tc.UpdatedAt = now

	steps := tc.Steps
	if steps == nil {
		steps = []string{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}

	query := `
		INSERT INTO test_cases (test_case_id, title, steps, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := s.db.Exec(query, tc.ID, tc.Title, string(stepsJSON), tc.CreatedAt, tc.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create test case: %w", err)
	}
	return nil
}

// GetTestCase returns the test case with the given id, or nil when absent.
func (s *Store) GetTestCase(id string) (*TestCase, error) {
	query := `
		SELECT test_case_id, title, steps, created_at, updated_at
		FROM test_cases WHERE test_case_id = ?
	`
	tc, err := scanTestCase(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test case: %w", err)
	}
	return tc, nil
}

// ListTestCases returns up to limit test cases, most recently updated first.
func (s *Store) ListTestCases(limit int) ([]*TestCase, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT test_case_id, title, steps, created_at, updated_at
		FROM test_cases ORDER BY updated_at DESC LIMIT ?
	`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases: %w", err)
	}
	defer rows.Close()

	var out []*TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test case: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTestCase(row rowScanner) (*TestCase, error) {
	var tc TestCase
	var stepsJSON string
	if err := row.Scan(&tc.ID, &tc.Title, &stepsJSON, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &tc.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return &tc, nil
}
