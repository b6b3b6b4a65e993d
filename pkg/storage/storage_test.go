package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetTestCase(t *testing.T) {
	store := newTestStore(t)

	tc := &TestCase{
		Title: "Login flow",
		Steps: []string{"Open login page", "Enter credentials", "Verify dashboard"},
	}
	require.NoError(t, store.CreateTestCase(tc))
	require.NotEmpty(t, tc.ID)
	require.False(t, tc.CreatedAt.IsZero())

	got, err := store.GetTestCase(tc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, tc.Title, got.Title)
	require.Equal(t, tc.Steps, got.Steps)
}

func TestCreateTestCaseValidation(t *testing.T) {
	store := newTestStore(t)

	require.Error(t, store.CreateTestCase(nil))
	require.Error(t, store.CreateTestCase(&TestCase{Title: "   "}))
}

func TestCreateTestCaseWithoutSteps(t *testing.T) {
	store := newTestStore(t)

	tc := &TestCase{Title: "Free-form case"}
	require.NoError(t, store.CreateTestCase(tc))

	got, err := store.GetTestCase(tc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got.Steps)
}

func TestGetTestCaseMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetTestCase("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListTestCasesOrderAndLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, title := range []string{"first", "second", "third"} {
		tc := &TestCase{
			Title:     title,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.CreateTestCase(tc))
		// Force distinct updated_at ordering.
		_, err := store.db.Exec(
			"UPDATE test_cases SET updated_at = ? WHERE test_case_id = ?",
			base.Add(time.Duration(i)*time.Minute), tc.ID)
		require.NoError(t, err)
	}

	cases, err := store.ListTestCases(2)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Equal(t, "third", cases[0].Title)
	require.Equal(t, "second", cases[1].Title)
}

func TestRecordAndGetRun(t *testing.T) {
	store := newTestStore(t)

	tc := &TestCase{Title: "Checkout"}
	require.NoError(t, store.CreateTestCase(tc))

	stepResults, err := json.Marshal([]map[string]any{
		{"index": 0, "status": "completed"},
	})
	require.NoError(t, err)

	run := &Run{
		TestCaseID:  tc.ID,
		ExecutionID: "exec-1",
		Status:      RunStatusPassed,
		Notes:       "all good",
		StepResults: stepResults,
	}
	id, err := store.RecordRun(run)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.GetRun(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, RunStatusPassed, got.Status)
	require.Equal(t, "exec-1", got.ExecutionID)
	require.JSONEq(t, string(stepResults), string(got.StepResults))
}

func TestRecordRunDefaultsEmptyStepResults(t *testing.T) {
	store := newTestStore(t)

	id, err := store.RecordRun(&Run{
		TestCaseID:  "tc-x",
		ExecutionID: "exec-x",
		Status:      RunStatusFailed,
	})
	require.NoError(t, err)

	got, err := store.GetRun(id)
	require.NoError(t, err)
	require.JSONEq(t, "[]", string(got.StepResults))
}

func TestGetRunMissing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.GetRun("missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListRunsForTestCaseNewestFirst(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := store.RecordRun(&Run{
			TestCaseID:  "tc-1",
			ExecutionID: "exec",
			Status:      RunStatusPassed,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.RecordRun(&Run{TestCaseID: "tc-other", Status: RunStatusPassed})
	require.NoError(t, err)

	runs, err := store.ListRunsForTestCase("tc-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	require.True(t, runs[0].CreatedAt.After(runs[1].CreatedAt))
	require.True(t, runs[1].CreatedAt.After(runs[2].CreatedAt))

	limited, err := store.ListRunsForTestCase("tc-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestStorePersistsToFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "caserunner.db")

	store, err := New(dbPath)
	require.NoError(t, err)

	tc := &TestCase{Title: "Persisted"}
	require.NoError(t, store.CreateTestCase(tc))
	require.NoError(t, store.Close())

	reopened, err := New(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetTestCase(tc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Persisted", got.Title)
}
