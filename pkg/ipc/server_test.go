package ipc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odvcencio/caserunner/pkg/engine"
	"github.com/odvcencio/caserunner/pkg/storage"
)

type serverFixture struct {
	server *Server
	store  *storage.Store
	ts     *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := engine.NewRegistry()
	strategy := engine.NewSimulatedStrategy(engine.SimulatedStrategyConfig{
		FetchPageContent: false,
		InterventionStep: -1,
	})
	eng, err := engine.New(engine.Config{
		Registry:  registry,
		Strategy:  strategy,
		StepDelay: 0,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	hub := NewHub()
	recorder := NewRunRecorder(store, nil)
	hub.AddForwarder(recorder)

	server := NewServer(ServerConfig{
		Engine:   eng,
		Registry: registry,
		Store:    store,
		Hub:      hub,
		Recorder: recorder,
	})

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &serverFixture{server: server, store: store, ts: ts}
}

func (f *serverFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *serverFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	var body map[string]any
	code := f.getJSON(t, "/healthz", &body)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
}

func TestTestCaseLifecycle(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/api/testcases", map[string]any{
		"title": "Login flow",
		"steps": []string{"Open login page", "Enter credentials", "Verify dashboard"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[storage.TestCase](t, resp)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "Login flow", created.Title)

	var fetched storage.TestCase
	code := f.getJSON(t, "/api/testcases/"+created.ID, &fetched)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, created.ID, fetched.ID)
	require.Len(t, fetched.Steps, 3)

	var listing struct {
		TestCases []storage.TestCase `json:"testCases"`
		Count     int                `json:"count"`
	}
	code = f.getJSON(t, "/api/testcases", &listing)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, listing.Count)
}

func TestCreateTestCaseRequiresTitle(t *testing.T) {
	f := newServerFixture(t)
	resp := f.postJSON(t, "/api/testcases", map[string]any{"title": "  "})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTestCaseNotFound(t *testing.T) {
	f := newServerFixture(t)
	code := f.getJSON(t, "/api/testcases/missing", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestStartExecutionRunsToCompletionAndRecordsRun(t *testing.T) {
	f := newServerFixture(t)

	resp := f.postJSON(t, "/api/testcases", map[string]any{
		"title": "Checkout",
		"steps": []string{"Open cart", "Submit order"},
	})
	tc := decodeBody[storage.TestCase](t, resp)

	resp = f.postJSON(t, "/api/executions", map[string]any{
		"testCaseId": tc.ID,
		"targetUrl":  "https://staging.example.com",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[map[string]any](t, resp)
	executionID, _ := started["executionId"].(string)
	require.NotEmpty(t, executionID)
	require.EqualValues(t, 2, started["totalSteps"])

	// The run loop completes asynchronously; the recorder persists the
	// report on the terminal event.
	var runs []*storage.Run
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		runs, err = f.store.ListRunsForTestCase(tc.ID, 10)
		require.NoError(t, err)
		if len(runs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, runs, 1)
	require.Equal(t, storage.RunStatusPassed, runs[0].Status)
	require.Equal(t, executionID, runs[0].ExecutionID)

	var run storage.Run
	code := f.getJSON(t, "/api/runs/"+runs[0].ID, &run)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, runs[0].ID, run.ID)

	var history struct {
		Runs  []storage.Run `json:"runs"`
		Count int           `json:"count"`
	}
	code = f.getJSON(t, "/api/testcases/"+tc.ID+"/runs", &history)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, history.Count)
}

func TestStartExecutionUnknownTestCase(t *testing.T) {
	f := newServerFixture(t)
	resp := f.postJSON(t, "/api/executions", map[string]any{
		"testCaseId": "missing",
		"targetUrl":  "https://staging.example.com",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartExecutionRequiresTestCaseID(t *testing.T) {
	f := newServerFixture(t)
	resp := f.postJSON(t, "/api/executions", map[string]any{
		"targetUrl": "https://staging.example.com",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionCommandAcceptsMissingExecution(t *testing.T) {
	f := newServerFixture(t)
	resp := f.postJSON(t, "/api/executions/not-there/commands", map[string]any{
		"type": "stop",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestExecutionCommandRejectsUnknownType(t *testing.T) {
	f := newServerFixture(t)
	resp := f.postJSON(t, "/api/executions/not-there/commands", map[string]any{
		"type": "explode",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListExecutionsEmpty(t *testing.T) {
	f := newServerFixture(t)
	var listing struct {
		Executions []engine.ExecutionView `json:"executions"`
		Count      int                    `json:"count"`
	}
	code := f.getJSON(t, "/api/executions", &listing)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, listing.Count)
}

func TestGetExecutionNotFound(t *testing.T) {
	f := newServerFixture(t)
	code := f.getJSON(t, "/api/executions/missing", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	resp, err := http.Get(f.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
}
