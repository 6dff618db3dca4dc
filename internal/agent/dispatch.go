package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/clock"
)

// StillProcessingMessage is shown to a caller whose run outlived the
// notice timeout.
const StillProcessingMessage = "Still processing, the answer will follow shortly."

// RunFunc executes one request. (*Runner).Run satisfies it.
type RunFunc func(ctx context.Context, req Request) (*Result, error)

// UpdateKind distinguishes dispatcher updates.
type UpdateKind int

const (
	// UpdateProcessing tells the caller the run is still going.
	UpdateProcessing UpdateKind = iota
	// UpdateDone carries the run's result.
	UpdateDone
)

// String returns a human-readable representation of the update kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateProcessing:
		return "processing"
	case UpdateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Update is one message on a dispatch channel.
type Update struct {
	Kind    UpdateKind
	Elapsed time.Duration
	// Result and Err are set on UpdateDone.
	Result *Result
	Err    error
}

// Text returns what to show the caller for this update.
func (u Update) Text() string {
	if u.Kind == UpdateProcessing {
		return StillProcessingMessage
	}
	if u.Err != nil {
		return fmt.Sprintf("%s (%v)", FailedMessage, u.Err)
	}
	if u.Result == nil {
		return FailedMessage
	}
	return u.Result.Text
}

// DispatchConfig configures a Dispatcher.
type DispatchConfig struct {
	// NoticeAfter is how long a run may take before a processing update
	// is sent. The run keeps going and its result still follows. Zero
	// disables the notice.
	NoticeAfter time.Duration
	// RunTimeout is an optional hard ceiling. A run cut off by it ends
	// failed but is not charged to the agent's breaker. Zero, the
	// default, lets every run finish.
	RunTimeout time.Duration
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Dispatcher runs requests asynchronously for callers that must not block,
// such as chat handlers.
type Dispatcher struct {
	run    RunFunc
	notice time.Duration
	limit  time.Duration
	clock  clock.Clock
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher around run.
func NewDispatcher(run RunFunc, cfg DispatchConfig) *Dispatcher {
	d := &Dispatcher{
		run:    run,
		notice: cfg.NoticeAfter,
		limit:  cfg.RunTimeout,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.Named("dispatch")
	return d
}

type runOutcome struct {
	res *Result
	err error
}

// Dispatch starts req and returns its update channel. The channel carries
// at most one UpdateProcessing followed by exactly one UpdateDone, then is
// closed. It is buffered, so a caller that stops reading never blocks the
// run.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) <-chan Update {
	updates := make(chan Update, 2)
	start := d.clock.Now()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if d.limit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.limit)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	done := make(chan runOutcome, 1)
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		defer cancel()
		done <- d.safeRun(runCtx, req)
	}()

	go func() {
		defer d.wg.Done()
		defer close(updates)

		var notice <-chan time.Time
		if d.notice > 0 {
			notice = d.clock.After(d.notice)
		}
		for {
			select {
			case out := <-done:
				updates <- Update{
					Kind:    UpdateDone,
					Elapsed: d.clock.Now().Sub(start),
					Result:  out.res,
					Err:     out.err,
				}
				return
			case <-notice:
				notice = nil
				d.logger.Info("run still processing",
					zap.String("agent", req.AgentID),
					zap.Duration("after", d.notice))
				updates <- Update{Kind: UpdateProcessing, Elapsed: d.clock.Now().Sub(start)}
			}
		}
	}()

	return updates
}

func (d *Dispatcher) safeRun(ctx context.Context, req Request) (out runOutcome) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("run panicked", zap.String("agent", req.AgentID), zap.Any("panic", p))
			out = runOutcome{err: fmt.Errorf("run panicked: %v", p)}
		}
	}()
	res, err := d.run(ctx, req)
	return runOutcome{res: res, err: err}
}

// Wait blocks until every dispatched run has delivered its result.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
