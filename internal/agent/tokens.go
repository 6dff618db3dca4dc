package agent

import (
	"sync"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/gateway"
)

// TokenTracker accumulates API-reported token usage across the gateway
// calls of one run.
type TokenTracker struct {
	mu    sync.Mutex
	model string
	usage gateway.Usage
	calls int
}

// NewTokenTracker creates a tracker for a run against model.
func NewTokenTracker(model string) *TokenTracker {
	return &TokenTracker{model: model}
}

// Update adds the usage of one completed call.
func (t *TokenTracker) Update(u gateway.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Add(u)
	t.calls++
}

// Usage returns the accumulated usage.
func (t *TokenTracker) Usage() gateway.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Calls returns how many completed calls were recorded.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// AdmissionUsage returns the accumulated usage in the form the admission
// controller records.
func (t *TokenTracker) AdmissionUsage() admission.Usage {
	u := t.Usage()
	return admission.Usage{TokensIn: u.InputTokens, TokensOut: u.OutputTokens, Model: t.model}
}
