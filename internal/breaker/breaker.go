// Package breaker implements the per-agent circuit breaker registry.
//
// A breaker is CLOSED until Threshold failures land within the trailing
// Window, at which point it OPENs. An open breaker rejects every call until
// it is reset or, when Cooldown is positive, until Cooldown has elapsed
// since it opened. There is no half-open state: after cool-down the next
// call is admitted normally.
//
// State for every agent lives in a single JSON document shared by all
// agent processes and is replaced atomically on each write.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/statefile"
)

// Defaults applied when Config fields are zero.
const (
	DefaultThreshold = 3
	DefaultWindow    = 5 * time.Minute
	DefaultCooldown  = 30 * time.Minute
)

// Config holds breaker tuning.
type Config struct {
	// Threshold is the number of failures within Window that opens the breaker.
	Threshold int
	// Window is the trailing period failures are counted over.
	Window time.Duration
	// Cooldown is how long an open breaker stays open. Negative disables
	// automatic closing; only Reset closes it.
	Cooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// State is one agent's persisted breaker state.
type State struct {
	Failures []time.Time `json:"failures"`
	Open     bool        `json:"open"`
	OpenedAt *time.Time  `json:"openedAt,omitempty"`
}

// document is the on-disk shape: agent id to state.
type document map[string]*State

// Registry tracks breaker state for every agent.
type Registry struct {
	path   string
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	mu     sync.Mutex
}

// NewRegistry creates a registry persisted at path.
func NewRegistry(path string, cfg Config, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:   path,
		cfg:    cfg.withDefaults(),
		clock:  clk,
		logger: logger.Named("breaker"),
	}
}

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// IsOpen reports whether agentID's breaker currently rejects calls. An
// open breaker whose cool-down has elapsed reports closed; the persisted
// state is left as is until the next write for that agent.
func (r *Registry) IsOpen(ctx context.Context, agentID string) (bool, error) {
	st, err := r.Get(ctx, agentID)
	if err != nil {
		return false, err
	}
	return r.effectivelyOpen(st, r.clock.Now()), nil
}

// Get returns a copy of agentID's persisted state. An agent with no
// recorded failures yields the zero State.
func (r *Registry) Get(ctx context.Context, agentID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	doc, err := r.load()
	if err != nil {
		return State{}, err
	}
	st, ok := doc[agentID]
	if !ok || st == nil {
		return State{}, nil
	}
	return *st, nil
}

// All returns a copy of every agent's persisted state.
func (r *Registry) All(ctx context.Context) (map[string]State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]State, len(doc))
	for id, st := range doc {
		if st != nil {
			out[id] = *st
		}
	}
	return out, nil
}

// RecordFailure appends a failure for agentID and opens the breaker when
// the threshold is reached within the window. It reports whether this
// failure opened the breaker.
func (r *Registry) RecordFailure(ctx context.Context, agentID string) (opened bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return false, err
	}

	now := r.clock.Now()
	st := doc[agentID]
	if st == nil {
		st = &State{}
		doc[agentID] = st
	}

	// A breaker whose cool-down elapsed starts counting from scratch.
	if st.Open && !r.effectivelyOpen(*st, now) {
		*st = State{}
	}

	st.Failures = append(pruneBefore(st.Failures, now.Add(-r.cfg.Window)), now)

	if !st.Open && len(st.Failures) >= r.cfg.Threshold {
		st.Open = true
		openedAt := now
		st.OpenedAt = &openedAt
		opened = true
	}

	if err := r.save(doc); err != nil {
		return false, err
	}

	if opened {
		r.logger.Warn("circuit opened",
			zap.String("agent", agentID),
			zap.Int("failures", len(st.Failures)),
			zap.Duration("window", r.cfg.Window))
	} else {
		r.logger.Debug("failure recorded",
			zap.String("agent", agentID),
			zap.Int("failures", len(st.Failures)))
	}
	return opened, nil
}

// RecordSuccess clears agentID's failure window entirely.
func (r *Registry) RecordSuccess(ctx context.Context, agentID string) error {
	return r.clear(ctx, agentID, false)
}

// Reset closes agentID's breaker and clears its failures unconditionally.
func (r *Registry) Reset(ctx context.Context, agentID string) error {
	return r.clear(ctx, agentID, true)
}

func (r *Registry) clear(ctx context.Context, agentID string, manual bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}
	st, ok := doc[agentID]
	if !ok {
		return nil
	}
	wasOpen := st != nil && st.Open
	delete(doc, agentID)

	if err := r.save(doc); err != nil {
		return err
	}

	if manual {
		r.logger.Info("circuit reset", zap.String("agent", agentID), zap.Bool("was_open", wasOpen))
	}
	return nil
}

func (r *Registry) effectivelyOpen(st State, now time.Time) bool {
	if !st.Open {
		return false
	}
	if r.cfg.Cooldown < 0 || st.OpenedAt == nil {
		return true
	}
	return now.Sub(*st.OpenedAt) < r.cfg.Cooldown
}

func (r *Registry) load() (document, error) {
	doc := make(document)
	if _, err := statefile.Read(r.path, &doc); err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}
	return doc, nil
}

func (r *Registry) save(doc document) error {
	if err := statefile.Write(r.path, doc); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	return nil
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
