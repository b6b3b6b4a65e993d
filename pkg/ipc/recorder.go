package ipc

import (
	"encoding/json"
	"sync"

	"github.com/odvcencio/caserunner/pkg/engine"
	"github.com/odvcencio/caserunner/pkg/logging"
	"github.com/odvcencio/caserunner/pkg/storage"
)

// RunRecorder persists a run report when an execution reaches a terminal
// event. Recording runs is a host-application duty; the engine never writes
// to storage itself.
type RunRecorder struct {
	store  *storage.Store
	logger *logging.Logger

	mu    sync.Mutex
	cases map[string]string // execution id -> test case id
}

// NewRunRecorder creates a RunRecorder backed by the given store.
func NewRunRecorder(store *storage.Store, logger *logging.Logger) *RunRecorder {
	return &RunRecorder{
		store:  store,
		logger: logger,
		cases:  make(map[string]string),
	}
}

// Track associates an execution with its source test case so the terminal
// event can be persisted against it.
func (r *RunRecorder) Track(executionID, testCaseID string) {
	r.mu.Lock()
	r.cases[executionID] = testCaseID
	r.mu.Unlock()
}

// HandleEvent implements EventForwarder.
func (r *RunRecorder) HandleEvent(event engine.Event) {
	var report *engine.Report
	switch event.Type {
	case engine.EventExecutionCompleted:
		if payload, ok := event.Payload.(engine.CompletedPayload); ok {
			report = &payload.Results
		}
	case engine.EventExecutionFailed:
		if payload, ok := event.Payload.(engine.FailedPayload); ok {
			report = payload.Results
		}
	default:
		return
	}

	r.mu.Lock()
	testCaseID, tracked := r.cases[event.ExecutionID]
	delete(r.cases, event.ExecutionID)
	r.mu.Unlock()

	if !tracked || report == nil {
		return
	}

	stepResults, err := json.Marshal(report.StepResults)
	if err != nil {
		stepResults = json.RawMessage("[]")
	}
	run := &storage.Run{
		TestCaseID:  testCaseID,
		ExecutionID: event.ExecutionID,
		Status:      report.Status,
		Notes:       report.Notes,
		StepResults: stepResults,
	}

	runID, err := r.store.RecordRun(run)
	if err != nil {
		r.logger.Error(logging.CategoryStorage, "run_record_failed",
			"failed to persist run report",
			map[string]any{"execution_id": event.ExecutionID, "error": err.Error()})
		return
	}
	r.logger.Info(logging.CategoryStorage, "run_recorded",
		"run report persisted",
		map[string]any{
			"execution_id": event.ExecutionID,
			"run_id":       runID,
			"status":       report.Status,
		})
}
