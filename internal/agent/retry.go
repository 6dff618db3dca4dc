package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/gateway"
)

// RetryDecision represents the decision after evaluating a failure.
type RetryDecision int

const (
	// Retry indicates the call should be attempted again after a backoff.
	Retry RetryDecision = iota
	// Escalate indicates a transient failure outlived the attempt budget.
	Escalate
	// Abort indicates a permanent failure that must not be retried.
	Abort
)

// String returns a human-readable representation of the retry decision.
func (d RetryDecision) String() string {
	switch d {
	case Retry:
		return "retry"
	case Escalate:
		return "escalate"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

// RetryPolicy bounds retries of one gateway call.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts per call, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. It doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBackoffBase,
		MaxDelay:    DefaultBackoffMax,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-indexed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return delay
}

// Decide evaluates a failed attempt. Transient errors are retried until
// the attempt budget is spent, then escalated; everything else aborts.
func (p RetryPolicy) Decide(attempt int, err error) RetryDecision {
	p = p.withDefaults()
	if !gateway.IsTransient(err) {
		return Abort
	}
	if attempt >= p.MaxAttempts {
		return Escalate
	}
	return Retry
}

// complete performs one gateway call under the runner's retry policy.
// It returns the response and the number of attempts made.
func (r *Runner) complete(ctx context.Context, agentID string, req gateway.Request, logger *zap.Logger) (*gateway.Response, int, error) {
	for attempt := 1; ; attempt++ {
		start := r.clock.Now()
		resp, err := r.gateway.Complete(ctx, req)
		elapsed := r.clock.Now().Sub(start)
		if err == nil {
			r.metrics.ObserveGatewayCall(agentID, "ok", elapsed)
			return resp, attempt, nil
		}

		decision := r.retry.Decide(attempt, err)
		r.metrics.ObserveGatewayCall(agentID, gatewayStatus(err), elapsed)
		if decision != Retry {
			logger.Error("gateway call failed",
				zap.Int("attempt", attempt),
				zap.String("decision", decision.String()),
				zap.Error(err))
			return nil, attempt, err
		}

		wait := r.retry.Backoff(attempt)
		logger.Warn("transient gateway error, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		r.metrics.IncGatewayRetry(agentID)

		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

func gatewayStatus(err error) string {
	if gateway.IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
