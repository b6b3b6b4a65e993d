package engine

import (
	"fmt"
	"strings"
)

// Report statuses.
const (
	ReportStatusPassed = "passed"
	ReportStatusFailed = "failed"
)

// Report is the final execution report assembled at terminal transitions.
// Notes always carries a human-readable summary regardless of outcome.
type Report struct {
	Status      string         `json:"status"`
	Notes       string         `json:"notes"`
	StepResults []StepResult   `json:"stepResults"`
	Evidence    []EvidenceItem `json:"evidence,omitempty"`
}

// EvidenceItem is one piece of supporting evidence attached to a report.
type EvidenceItem struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Data        string `json:"data,omitempty"`
}

// buildReportLocked assembles the report from the execution's current state.
// Callers must hold exec.mu.
func buildReportLocked(exec *Execution) Report {
	status := ReportStatusPassed
	for _, res := range exec.stepLog {
		if res.Status == OutcomeFailed {
			status = ReportStatusFailed
		}
	}
	if exec.status == StatusFailed {
		status = ReportStatusFailed
	}

	stepResults := make([]StepResult, len(exec.stepLog))
	copy(stepResults, exec.stepLog)

	var evidence []EvidenceItem
	if exec.snapshot != nil {
		desc := "Last observed page state"
		if exec.snapshot.Fallback {
			desc = "Simulated fallback page state (live fetch unavailable)"
		}
		evidence = append(evidence, EvidenceItem{
			Type:        "page_snapshot",
			Description: desc,
			Data:        renderEvidence(exec.snapshot),
		})
	}

	return Report{
		Status:      status,
		Notes:       summarize(exec, status),
		StepResults: stepResults,
		Evidence:    evidence,
	}
}

func summarize(exec *Execution, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Executed %d of %d steps of %q against %s.",
		len(exec.stepLog), len(exec.steps), exec.testCase.Title, exec.targetURL)
	if exec.stopped {
		b.WriteString(" Execution was stopped by the operator before completion.")
	} else if status == ReportStatusFailed {
		for _, res := range exec.stepLog {
			if res.Status == OutcomeFailed {
				fmt.Fprintf(&b, " Step %d failed: %s", res.Index, res.Output)
				break
			}
		}
	} else {
		b.WriteString(" All steps completed successfully.")
	}
	if exec.snapshot != nil && exec.snapshot.Fallback {
		b.WriteString(" Page evidence is simulated; the target URL could not be fetched.")
	}
	return b.String()
}

// renderEvidence produces a deterministic textual rendering of the current
// page snapshot, used as the evidence attachment on step results.
func renderEvidence(snap *PageSnapshot) string {
	if snap == nil {
		return ""
	}
	source := "live fetch"
	if snap.Fallback {
		source = "simulated fallback"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "page: %s\n", snap.URL)
	fmt.Fprintf(&b, "title: %s\n", snap.Title)
	fmt.Fprintf(&b, "source: %s", source)
	if excerptText := excerpt(snap.RawContent, 200); excerptText != "" {
		fmt.Fprintf(&b, "\ncontent: %s", excerptText)
	}
	return b.String()
}

// excerpt truncates s to at most n characters on a rune boundary.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" || n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
