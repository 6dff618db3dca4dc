package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/fleet/internal/gateway"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 3 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	p := RetryPolicy{}.withDefaults()
	assert.Equal(t, DefaultRetryPolicy(), p)

	// A cap below the base is raised to the base.
	p = RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Second}.withDefaults()
	assert.Equal(t, time.Minute, p.MaxDelay)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	transient := gateway.Transient(errors.New("rate limited"))

	tests := []struct {
		name    string
		attempt int
		err     error
		want    RetryDecision
	}{
		{"transient first attempt", 1, transient, Retry},
		{"transient second attempt", 2, transient, Retry},
		{"transient budget spent", 3, transient, Escalate},
		{"network error", 1, timeoutErr{}, Retry},
		{"permanent", 1, gateway.Permanent(errors.New("bad request")), Abort},
		{"canceled", 1, context.Canceled, Abort},
		{"unclassified", 1, errors.New("boom"), Abort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempt, tt.err)
			assert.Equal(t, tt.want, d, "got %s", d)
		})
	}
}

func TestRetryDecisionString(t *testing.T) {
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "escalate", Escalate.String())
	assert.Equal(t, "abort", Abort.String())
	assert.Equal(t, "unknown", RetryDecision(42).String())
}

func TestOutcomeSuccess(t *testing.T) {
	assert.True(t, OutcomeCompleted.Success())
	assert.True(t, OutcomeIncomplete.Success())
	assert.False(t, OutcomeFailed.Success())
	assert.False(t, OutcomeBlocked.Success())
}

func TestIterationController(t *testing.T) {
	ic := NewIterationController(0)
	assert.Equal(t, 10, ic.GetMaxIterations())

	ic = NewIterationController(2)
	assert.True(t, ic.ShouldContinue(nil))

	tool := &gateway.Response{Text: "working", ToolCalls: []gateway.ToolCall{{ID: "1", Name: "x"}}}
	ic.Observe(tool)
	assert.True(t, ic.ShouldContinue(tool))
	ic.Observe(&gateway.Response{ToolCalls: tool.ToolCalls})
	assert.False(t, ic.ShouldContinue(tool))
	assert.True(t, ic.IsAtMax())
	assert.Equal(t, "working", ic.LastText())

	assert.False(t, NewIterationController(5).ShouldContinue(&gateway.Response{Text: "done"}))
}
