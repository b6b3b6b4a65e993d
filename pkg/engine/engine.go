package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/caserunner/pkg/logging"
)

const defaultStepDelay = 750 * time.Millisecond

// Config configures a new Engine.
type Config struct {
	Registry *Registry
	Strategy StepStrategy
	Logger   *logging.Logger
	// StepDelay paces the run loop between steps. Zero disables pacing;
	// negative values fall back to the default.
	StepDelay time.Duration
}

// Engine orchestrates test case executions: it owns each run loop, delegates
// step evaluation to the configured strategy, streams progress through the
// execution's event channel, and tears executions down via the registry.
type Engine struct {
	registry  *Registry
	strategy  StepStrategy
	logger    *logging.Logger
	stepDelay time.Duration
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("step strategy required")
	}
	stepDelay := cfg.StepDelay
	if stepDelay < 0 {
		stepDelay = defaultStepDelay
	}
	return &Engine{
		registry:  cfg.Registry,
		strategy:  cfg.Strategy,
		logger:    cfg.Logger,
		stepDelay: stepDelay,
	}, nil
}

// StartRequest carries the inputs for a new execution.
type StartRequest struct {
	// ExecutionID is optional; a ULID is generated when empty.
	ExecutionID string
	TestCase    TestCase
	TargetURL   string
	Channel     EventChannel
}

// Start registers a new execution and launches its run loop. It returns the
// execution id immediately; all further progress is observable only through
// the event channel. Malformed target URLs are not rejected here; a failed
// fetch degrades to a fallback snapshot inside the strategy instead of
// erroring the run.
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.TestCase.Title) == "" {
		return "", fmt.Errorf("test case title required")
	}
	if req.Channel == nil {
		return "", fmt.Errorf("event channel required")
	}

	id := strings.TrimSpace(req.ExecutionID)
	if id == "" {
		id = ulid.Make().String()
	}

	exec := newExecution(id, req.TestCase, req.TargetURL, req.Channel)
	exec.status = StatusRunning
	if err := e.registry.Register(exec); err != nil {
		return "", err
	}

	metricExecutionsStarted.Inc()
	metricExecutionsActive.Inc()
	e.logger.Info(logging.CategoryEngine, "execution_started",
		"execution started",
		map[string]any{
			"execution_id": id,
			"test_case_id": req.TestCase.ID,
			"target_url":   req.TargetURL,
			"total_steps":  len(exec.steps),
		})

	e.emit(exec, EventExecutionStarted, StartedPayload{TotalSteps: len(exec.steps)})

	go e.run(ctx, exec)
	return id, nil
}

// run is the per-execution loop. One loop exists per execution id; loops are
// independent and share no mutable state beyond the registry.
func (e *Engine) run(ctx context.Context, exec *Execution) {
	defer func() {
		if exec.channel != nil {
			_ = exec.channel.Close()
		}
	}()

	for {
		resolved, alive := e.waitIfSuspended(exec)
		if !alive {
			// Terminal state reached externally; the stop path already
			// emitted the terminal event and deregistered.
			return
		}
		if resolved {
			e.resolvePendingStep(exec)
			e.pace(exec)
			continue
		}

		step, ok := exec.currentStep()
		if !ok {
			break
		}

		started := time.Now()
		e.emit(exec, EventStepStarted, StepStartedPayload{
			StepNumber:  step.Index,
			Description: step.Description,
		})

		eval := e.evaluate(ctx, exec, step)
		if eval.Snapshot != nil {
			if exec.mergeSnapshot(eval.Snapshot) {
				e.emit(exec, EventBrowserStateUpdate, BrowserStatePayload{
					URL:       eval.Snapshot.URL,
					Title:     eval.Snapshot.Title,
					IsLoading: false,
				})
			}
		}

		switch eval.Outcome {
		case OutcomeNeedsIntervention:
			exec.mu.Lock()
			if exec.status == StatusRunning {
				exec.status = StatusPaused
				exec.interventionRequired = true
			}
			exec.mu.Unlock()

			metricInterventions.Inc()
			reason := eval.Reason
			if reason == "" {
				reason = eval.Output
			}
			e.logger.Warn(logging.CategoryEngine, "intervention_required",
				"step requires human intervention",
				map[string]any{"execution_id": exec.id, "step": step.Index, "reason": reason})
			e.emit(exec, EventInterventionRequired, InterventionPayload{
				StepNumber: step.Index,
				Reason:     reason,
			})
			continue

		case OutcomeFailed:
			exec.appendResult(StepResult{
				Index:       step.Index,
				Description: step.Description,
				Status:      OutcomeFailed,
				Output:      eval.Output,
				Evidence:    renderEvidence(exec.Snapshot()),
				StartedAt:   started,
				FinishedAt:  time.Now(),
			})
			metricSteps.WithLabelValues(string(OutcomeFailed)).Inc()
			e.emit(exec, EventStepFailed, StepFailedPayload{
				StepNumber: step.Index,
				Error:      eval.Output,
			})

			report, ok := e.finish(exec, StatusFailed)
			if ok {
				e.logger.Error(logging.CategoryEngine, "execution_failed",
					"execution failed",
					map[string]any{"execution_id": exec.id, "step": step.Index})
				e.emit(exec, EventExecutionFailed, FailedPayload{
					ExecutionID: exec.id,
					Error:       fmt.Sprintf("step %d failed: %s", step.Index, eval.Output),
					Results:     &report,
				})
				e.deregister(exec)
			}
			return

		default:
			res := StepResult{
				Index:       step.Index,
				Description: step.Description,
				Status:      OutcomeCompleted,
				Output:      eval.Output,
				Evidence:    renderEvidence(exec.Snapshot()),
				StartedAt:   started,
				FinishedAt:  time.Now(),
			}
			exec.appendResult(res)
			metricSteps.WithLabelValues(string(OutcomeCompleted)).Inc()
			e.emit(exec, EventStepCompleted, StepCompletedPayload{
				StepNumber: res.Index,
				AIOutput:   res.Output,
				Evidence:   res.Evidence,
			})
		}

		e.pace(exec)
	}

	report, ok := e.finish(exec, StatusCompleted)
	if ok {
		e.logger.Info(logging.CategoryEngine, "execution_completed",
			"execution completed",
			map[string]any{"execution_id": exec.id, "steps": len(report.StepResults), "status": report.Status})
		e.emit(exec, EventExecutionCompleted, CompletedPayload{
			ExecutionID: exec.id,
			Results:     report,
		})
		e.deregister(exec)
	}
}

// waitIfSuspended blocks while the execution is paused, waking on resume or
// stop. It returns alive=false when the execution reached a terminal state,
// and resolved=true when the pause it woke from was an intervention resolved
// by the operator, in which case the pending step is completed manually
// rather than re-evaluated.
func (e *Engine) waitIfSuspended(exec *Execution) (resolved, alive bool) {
	for {
		exec.mu.Lock()
		switch {
		case exec.status.Terminal():
			exec.mu.Unlock()
			return false, false
		case exec.status == StatusPaused:
			if exec.wake == nil {
				exec.wake = make(chan struct{})
			}
			wake := exec.wake
			exec.mu.Unlock()
			<-wake
		default:
			resolved = exec.interventionResolved
			exec.interventionResolved = false
			exec.mu.Unlock()
			return resolved, true
		}
	}
}

// resolvePendingStep completes the step the execution was paused on. The
// operator performed the action by hand, so the strategy is not re-invoked;
// any recorded intervention note is attached to the log entry.
func (e *Engine) resolvePendingStep(exec *Execution) {
	now := time.Now()

	exec.mu.Lock()
	if exec.status != StatusRunning || exec.cursor >= len(exec.steps) {
		exec.mu.Unlock()
		return
	}
	step := exec.steps[exec.cursor]
	note := exec.pendingNote
	exec.pendingNote = ""
	output := "Step completed manually by operator."
	if note != "" {
		output = output + " Note: " + note
	}
	res := StepResult{
		Index:       step.Index,
		Description: step.Description,
		Status:      OutcomeCompleted,
		Output:      output,
		Evidence:    renderEvidence(exec.snapshot),
		Note:        note,
		StartedAt:   now,
		FinishedAt:  now,
	}
	exec.stepLog = append(exec.stepLog, res)
	exec.cursor++
	exec.mu.Unlock()

	metricSteps.WithLabelValues(string(OutcomeCompleted)).Inc()
	e.emit(exec, EventStepCompleted, StepCompletedPayload{
		StepNumber: res.Index,
		AIOutput:   res.Output,
		Evidence:   res.Evidence,
	})
}

// evaluate invokes the strategy, converting a panic into a failed outcome so
// a misbehaving strategy cannot orphan the execution in the registry.
func (e *Engine) evaluate(ctx context.Context, exec *Execution, step Step) (eval StepEvaluation) {
	defer func() {
		if r := recover(); r != nil {
			eval = StepEvaluation{
				Outcome: OutcomeFailed,
				Output:  fmt.Sprintf("step strategy panicked: %v", r),
			}
		}
	}()
	return e.strategy.Evaluate(ctx, exec, step)
}

// pace sleeps the configured inter-step delay, aborting early on a terminal
// transition so stop takes effect before the next step begins.
func (e *Engine) pace(exec *Execution) {
	if e.stepDelay <= 0 {
		return
	}
	timer := time.NewTimer(e.stepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-exec.Done():
	}
}

// finish transitions the execution to a terminal status and builds the final
// report. It returns ok=false when the execution already reached a terminal
// state through another path (an explicit stop racing the loop).
func (e *Engine) finish(exec *Execution, status Status) (Report, bool) {
	exec.mu.Lock()
	if exec.status.Terminal() {
		exec.mu.Unlock()
		return Report{}, false
	}
	exec.status = status
	exec.interventionRequired = false
	report := buildReportLocked(exec)
	exec.mu.Unlock()

	exec.markDone()
	return report, true
}

func (e *Engine) deregister(exec *Execution) {
	if e.registry.Remove(exec.id) {
		metricExecutionsActive.Dec()
	}
}

// emit sends an event on the execution's channel. Delivery failure is
// non-fatal; the loop keeps running.
func (e *Engine) emit(exec *Execution, typ EventType, payload any) {
	if exec.channel == nil {
		return
	}
	err := exec.channel.Send(Event{
		Type:        typ,
		ExecutionID: exec.id,
		Payload:     payload,
		Timestamp:   time.Now(),
	})
	if err != nil {
		e.logger.Warn(logging.CategoryEngine, "event_send_failed",
			"failed to deliver event",
			map[string]any{"execution_id": exec.id, "event": string(typ), "error": err.Error()})
	}
}

// Dispatch applies an observer command to its execution. Unknown ids and
// state mismatches are no-ops.
func (e *Engine) Dispatch(cmd Command) error {
	switch cmd.Type {
	case CommandPause:
		e.Pause(cmd.ExecutionID)
	case CommandResume:
		e.Resume(cmd.ExecutionID)
	case CommandStop:
		e.Stop(cmd.ExecutionID)
	case CommandTakeover:
		e.Takeover(cmd.ExecutionID)
	case CommandInterventionComplete:
		e.RecordInterventionNote(cmd.ExecutionID, cmd.Note)
		e.Resume(cmd.ExecutionID)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
	return nil
}

// Pause suspends a running execution at the next loop boundary. This is an
// operator pause; interventionRequired stays false.
func (e *Engine) Pause(id string) {
	exec, ok := e.registry.Get(id)
	if !ok {
		return
	}
	exec.mu.Lock()
	if exec.status == StatusRunning {
		exec.status = StatusPaused
	}
	exec.mu.Unlock()
}

// Resume continues a paused execution from its current cursor. No step
// already in the log is re-executed; a pause caused by a required
// intervention completes the pending step as operator-resolved.
func (e *Engine) Resume(id string) {
	exec, ok := e.registry.Get(id)
	if !ok {
		return
	}
	exec.mu.Lock()
	if exec.status == StatusPaused {
		exec.status = StatusRunning
		if exec.interventionRequired {
			exec.interventionRequired = false
			exec.interventionResolved = true
		}
		if exec.wake != nil {
			close(exec.wake)
			exec.wake = nil
		}
	}
	exec.mu.Unlock()
}

// Takeover forces the execution into the intervention-required pause, handing
// control of the current step to the operator.
func (e *Engine) Takeover(id string) {
	exec, ok := e.registry.Get(id)
	if !ok {
		return
	}
	exec.mu.Lock()
	if exec.status.Terminal() {
		exec.mu.Unlock()
		return
	}
	stepNumber := exec.cursor
	exec.status = StatusPaused
	exec.interventionRequired = true
	exec.mu.Unlock()

	metricInterventions.Inc()
	e.emit(exec, EventInterventionRequired, InterventionPayload{
		StepNumber: stepNumber,
		Reason:     "Operator takeover requested.",
	})
}

// RecordInterventionNote attaches a human-provided note to the step the
// execution is paused on; the note lands on that step's log entry when the
// execution is resumed.
func (e *Engine) RecordInterventionNote(id, note string) {
	exec, ok := e.registry.Get(id)
	if !ok {
		return
	}
	exec.mu.Lock()
	if exec.status == StatusPaused {
		exec.pendingNote = strings.TrimSpace(note)
	}
	exec.mu.Unlock()
}

// Stop terminates an execution from any non-terminal state, emits the
// terminal event noting the cancellation, and deregisters immediately. Stop
// is idempotent: stopping a finished or unknown execution is a no-op. A
// paused intervention wait is abandoned at once; a loop between steps sees
// the terminal state before the next step starts.
func (e *Engine) Stop(id string) {
	exec, ok := e.registry.Get(id)
	if !ok {
		return
	}

	exec.mu.Lock()
	if exec.status.Terminal() {
		exec.mu.Unlock()
		return
	}
	exec.status = StatusFailed
	exec.stopped = true
	exec.interventionRequired = false
	if exec.wake != nil {
		close(exec.wake)
		exec.wake = nil
	}
	report := buildReportLocked(exec)
	exec.mu.Unlock()

	exec.markDone()

	e.logger.Info(logging.CategoryEngine, "execution_stopped",
		"execution stopped by operator",
		map[string]any{"execution_id": exec.id, "steps_completed": len(report.StepResults)})
	e.emit(exec, EventExecutionFailed, FailedPayload{
		ExecutionID: exec.id,
		Error:       "execution stopped by operator",
		Results:     &report,
	})
	e.deregister(exec)
}

// Shutdown stops every tracked execution. Used on process teardown.
func (e *Engine) Shutdown() {
	for _, exec := range e.registry.List() {
		e.Stop(exec.ID())
	}
}
