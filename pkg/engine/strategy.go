package engine

import "context"

// StepOutcome classifies the result of evaluating a single step.
type StepOutcome string

const (
	OutcomeCompleted         StepOutcome = "completed"
	OutcomeNeedsIntervention StepOutcome = "needs_intervention"
	OutcomeFailed            StepOutcome = "failed"
)

// StepEvaluation is the result of one strategy evaluation. Snapshot, when
// non-nil, is merged into the execution's page snapshot. Reason explains a
// needs_intervention outcome to the human observer.
type StepEvaluation struct {
	Outcome  StepOutcome
	Output   string
	Reason   string
	Snapshot *PageSnapshot
}

// StepStrategy decides the outcome of a single step given the current
// execution state. Implementations must convert internal failures (fetch
// errors, unrecognized steps) into needs_intervention or failed outcomes
// rather than panicking or aborting the run, and must be deterministic for a
// given execution state and step apart from any explicitly configured
// escalation seam.
type StepStrategy interface {
	Evaluate(ctx context.Context, exec *Execution, step Step) StepEvaluation
}
