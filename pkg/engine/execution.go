package engine

import (
	"strings"
	"sync"
	"time"
)

// Status represents the lifecycle state of an execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TestCase is the read-only snapshot of the test case an execution runs.
// Later edits to the source test case do not affect an in-flight execution.
type TestCase struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Steps []string `json:"steps,omitempty"`
	// StepText is a newline-delimited fallback used when Steps is empty,
	// matching test cases authored as a single free-text block.
	StepText string `json:"stepText,omitempty"`
}

// Step is one atomic instruction within a test case.
type Step struct {
	Index       int    `json:"index"`
	Description string `json:"description"`
}

// StepResult is an append-only record of one evaluated step.
type StepResult struct {
	Index       int         `json:"index"`
	Description string      `json:"description"`
	Status      StepOutcome `json:"status"`
	Output      string      `json:"output"`
	Evidence    string      `json:"evidence,omitempty"`
	Note        string      `json:"note,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
}

// PageSnapshot is the last-observed state of the target page, captured by the
// active step strategy. Fallback marks simulated data substituted after a
// failed or disabled live fetch.
type PageSnapshot struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	RawContent string    `json:"rawContent,omitempty"`
	Fallback   bool      `json:"fallback"`
	CapturedAt time.Time `json:"capturedAt"`
}

// Execution is the mutable per-run state. It is owned by the engine's run
// loop; the only external mutators are commands applied through the engine,
// which serialize on the execution's mutex.
type Execution struct {
	mu sync.Mutex

	id        string
	testCase  TestCase
	targetURL string
	steps     []Step
	channel   EventChannel
	createdAt time.Time

	cursor               int
	status               Status
	interventionRequired bool
	// interventionResolved is set by a resume that cleared an intervention
	// pause, so the run loop completes the pending step instead of
	// re-evaluating it.
	interventionResolved bool
	pendingNote          string
	snapshot             *PageSnapshot
	stepLog              []StepResult

	// wake is non-nil only while a run loop is suspended on it; resume and
	// stop close it under mu.
	wake chan struct{}
	// done is closed exactly once on any terminal transition.
	done     chan struct{}
	doneOnce sync.Once
	// stopped marks an explicit operator stop, whose terminal event has
	// already been emitted by the command path.
	stopped bool
}

func newExecution(id string, tc TestCase, targetURL string, channel EventChannel) *Execution {
	return &Execution{
		id:        id,
		testCase:  tc,
		targetURL: targetURL,
		steps:     deriveSteps(tc),
		channel:   channel,
		status:    StatusIdle,
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// deriveSteps builds the fixed step list: the test case's ordered step list
// verbatim, else its free-text block split into non-empty trimmed lines, else
// a generic three-step skeleton.
func deriveSteps(tc TestCase) []Step {
	var descs []string
	for _, s := range tc.Steps {
		if t := strings.TrimSpace(s); t != "" {
			descs = append(descs, t)
		}
	}
	if len(descs) == 0 {
		for _, line := range strings.Split(tc.StepText, "\n") {
			if t := strings.TrimSpace(line); t != "" {
				descs = append(descs, t)
			}
		}
	}
	if len(descs) == 0 {
		descs = []string{
			"Navigate to the target URL",
			"Perform the actions described by the test case",
			"Verify the expected results",
		}
	}

	steps := make([]Step, len(descs))
	for i, d := range descs {
		steps[i] = Step{Index: i, Description: d}
	}
	return steps
}

// ID returns the execution identifier.
func (x *Execution) ID() string {
	return x.id
}

// TargetURL returns the deployment URL steps are evaluated against.
func (x *Execution) TargetURL() string {
	return x.targetURL
}

// TestCase returns the test case snapshot taken at start.
func (x *Execution) TestCase() TestCase {
	return x.testCase
}

// Status returns the current lifecycle status.
func (x *Execution) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// InterventionRequired reports whether the execution is paused for a
// human-intervention reason (as opposed to an operator pause).
func (x *Execution) InterventionRequired() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.interventionRequired
}

// Cursor returns the index of the step currently executing or about to
// execute.
func (x *Execution) Cursor() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cursor
}

// Steps returns a copy of the fixed step list.
func (x *Execution) Steps() []Step {
	out := make([]Step, len(x.steps))
	copy(out, x.steps)
	return out
}

// StepLog returns a copy of the step results appended so far.
func (x *Execution) StepLog() []StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]StepResult, len(x.stepLog))
	copy(out, x.stepLog)
	return out
}

// Snapshot returns a copy of the last captured page snapshot, or nil.
func (x *Execution) Snapshot() *PageSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.snapshot == nil {
		return nil
	}
	snap := *x.snapshot
	return &snap
}

// Done is closed when the execution reaches a terminal state.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// mergeSnapshot replaces the captured page snapshot and reports whether the
// observable page state changed.
func (x *Execution) mergeSnapshot(snap *PageSnapshot) bool {
	if snap == nil {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	changed := x.snapshot == nil ||
		x.snapshot.URL != snap.URL ||
		x.snapshot.Title != snap.Title ||
		x.snapshot.Fallback != snap.Fallback
	copied := *snap
	x.snapshot = &copied
	return changed
}

// currentStep returns the step at the cursor, or ok=false when the cursor has
// advanced past the last step.
func (x *Execution) currentStep() (Step, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cursor >= len(x.steps) {
		return Step{}, false
	}
	return x.steps[x.cursor], true
}

// appendResult appends a step result and advances the cursor. Entries are
// appended strictly in step order; len(stepLog) == cursor holds afterwards.
func (x *Execution) appendResult(res StepResult) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stepLog = append(x.stepLog, res)
	x.cursor++
}

// markDone closes the done channel once.
func (x *Execution) markDone() {
	x.doneOnce.Do(func() {
		close(x.done)
	})
}

// ExecutionView is the read-only JSON projection served by the API and sent
// to observers that connect after an execution has started.
type ExecutionView struct {
	ID                   string        `json:"id"`
	TestCaseID           string        `json:"testCaseId,omitempty"`
	Title                string        `json:"title"`
	TargetURL            string        `json:"targetUrl"`
	Status               Status        `json:"status"`
	InterventionRequired bool          `json:"interventionRequired"`
	Cursor               int           `json:"cursor"`
	TotalSteps           int           `json:"totalSteps"`
	Steps                []Step        `json:"steps"`
	StepLog              []StepResult  `json:"stepLog"`
	PageSnapshot         *PageSnapshot `json:"pageSnapshot,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
}

// View returns a point-in-time projection of the execution.
func (x *Execution) View() ExecutionView {
	x.mu.Lock()
	defer x.mu.Unlock()

	stepLog := make([]StepResult, len(x.stepLog))
	copy(stepLog, x.stepLog)
	steps := make([]Step, len(x.steps))
	copy(steps, x.steps)

	var snap *PageSnapshot
	if x.snapshot != nil {
		copied := *x.snapshot
		snap = &copied
	}

	return ExecutionView{
		ID:                   x.id,
		TestCaseID:           x.testCase.ID,
		Title:                x.testCase.Title,
		TargetURL:            x.targetURL,
		Status:               x.status,
		InterventionRequired: x.interventionRequired,
		Cursor:               x.cursor,
		TotalSteps:           len(x.steps),
		Steps:                steps,
		StepLog:              stepLog,
		PageSnapshot:         snap,
		CreatedAt:            x.createdAt,
	}
}
