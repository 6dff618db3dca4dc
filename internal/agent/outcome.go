package agent

import (
	"time"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/gateway"
)

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeCompleted means the model produced a final answer.
	OutcomeCompleted Outcome = "completed"
	// OutcomeIncomplete means the iteration cap was reached first.
	OutcomeIncomplete Outcome = "incomplete"
	// OutcomeBlocked means admission rejected the run; no model call was made.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeFailed means a hard failure ended the run.
	OutcomeFailed Outcome = "failed"
)

// Success reports whether the outcome counts as a success for the
// agent's circuit breaker. Reaching the iteration cap is a success.
func (o Outcome) Success() bool {
	return o == OutcomeCompleted || o == OutcomeIncomplete
}

// Fixed responses for runs that end without a model answer.
const (
	BlockedMessage   = "This agent is paused and cannot take requests right now. Please try again later."
	IncompleteMarker = "[incomplete: the tool iteration limit was reached before a final answer]"
	FailedMessage    = "Sorry, this request failed and has been reported."
)

// Collaborators whose failure degrades a run instead of failing it.
const (
	DegradedRetrieval    = "retrieval"
	DegradedHistoryRead  = "history_read"
	DegradedHistoryWrite = "history_write"
	DegradedUsage        = "usage"
	DegradedBreaker      = "breaker"
	DegradedHeartbeat    = "heartbeat"
)

// Result is the outcome of one run.
type Result struct {
	RunID   string
	AgentID string
	Outcome Outcome
	// Text is the response to show the caller. It is never empty.
	Text string
	// Reason is set when Outcome is OutcomeBlocked.
	Reason admission.Reason
	// Err is the cause when Outcome is OutcomeFailed.
	Err error
	// Iterations is the number of answered gateway calls.
	Iterations int
	// ToolCalls is the number of tool executions.
	ToolCalls int
	Usage     gateway.Usage
	Cost      float64
	// Degraded lists collaborators that failed and were skipped.
	Degraded []string
	// BreakerOpened is true when this run's failure opened the breaker.
	BreakerOpened bool
	Duration      time.Duration
}

func (r *Result) degrade(collaborator string) {
	r.Degraded = append(r.Degraded, collaborator)
}
