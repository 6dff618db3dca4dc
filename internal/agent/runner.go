// Package agent implements the execution loop: one request run end to end
// for a named agent, from the budget gate through model and tool
// iteration to usage accounting, history persistence and the heartbeat.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/gateway"
	"github.com/ShayCichocki/fleet/internal/heartbeat"
	"github.com/ShayCichocki/fleet/internal/ledger"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/retrieval"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/tools"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Admission is the part of the admission controller the runner uses.
type Admission interface {
	Agent(agentID string) (*models.Agent, error)
	CheckBudget(ctx context.Context, agentID string) (admission.Decision, error)
	RecordUsage(ctx context.Context, agentID string, u admission.Usage) (float64, error)
	RecordOutcome(ctx context.Context, agentID string, success bool) (bool, error)
	MonthlyUsage(ctx context.Context, agentID string) (ledger.AgentUsage, error)
}

// HeartbeatWriter persists heartbeats.
type HeartbeatWriter interface {
	Write(rec heartbeat.Record) error
}

// Config configures a Runner. Admission and Gateway are required; the
// other collaborators are optional and skipped when nil.
type Config struct {
	Admission  Admission
	Gateway    gateway.Gateway
	Tools      *tools.Registry
	Retriever  retrieval.Retriever
	History    state.ConversationStore
	Heartbeats HeartbeatWriter

	Retry RetryPolicy
	// MaxContextResults bounds retrieved snippets per run.
	MaxContextResults int
	// MaxTokens bounds each model response.
	MaxTokens int64

	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Runner executes runs. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	admission  Admission
	gateway    gateway.Gateway
	tools      *tools.Registry
	retriever  retrieval.Retriever
	history    state.ConversationStore
	heartbeats HeartbeatWriter

	retry      RetryPolicy
	maxResults int
	maxTokens  int64

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Admission == nil {
		return nil, errors.New("agent: admission controller is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("agent: gateway is required")
	}

	r := &Runner{
		admission:  cfg.Admission,
		gateway:    cfg.Gateway,
		tools:      cfg.Tools,
		retriever:  cfg.Retriever,
		history:    cfg.History,
		heartbeats: cfg.Heartbeats,
		retry:      cfg.Retry.withDefaults(),
		maxResults: cfg.MaxContextResults,
		maxTokens:  cfg.MaxTokens,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if r.tools == nil {
		r.tools = tools.NewRegistry(cfg.Logger, cfg.Metrics)
	}
	if r.maxResults <= 0 {
		r.maxResults = retrieval.DefaultMaxResults
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("agent")
	return r, nil
}

// Request is one invocation of an agent.
type Request struct {
	AgentID string
	Input   string
	// CallerContext is free-form text about the caller added to the
	// system prompt, such as the channel the request came from.
	CallerContext string
}

// Run executes one request end to end. Expected states (blocked,
// incomplete, degraded collaborators, gateway failure) are reported in the
// Result; the error is reserved for configuration faults such as an
// unknown agent or a tool list naming unregistered tools.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := r.clock.Now()

	agent, err := r.admission.Agent(req.AgentID)
	if err != nil {
		return nil, err
	}
	toolset, err := r.tools.Subset(agent.Tools)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, err)
	}

	res := &Result{RunID: uuid.NewString(), AgentID: agent.ID}
	logger := r.logger.With(zap.String("agent", agent.ID), zap.String("run_id", res.RunID))
	defer func() {
		res.Duration = r.clock.Now().Sub(start)
		r.metrics.ObserveRun(agent.ID, string(res.Outcome), res.Duration)
	}()

	decision, err := r.admission.CheckBudget(ctx, agent.ID)
	if err != nil {
		// The controller could not read its state; nothing was spent and
		// the agent is not at fault.
		logger.Error("admission check failed", zap.Error(err))
		res.Outcome = OutcomeFailed
		res.Err = err
		res.Text = FailedMessage
		return res, nil
	}
	if !decision.Allowed {
		res.Outcome = OutcomeBlocked
		res.Reason = decision.Reason
		res.Text = BlockedMessage
		return res, nil
	}

	contextText := r.retrieve(ctx, agent, res, logger)
	messages := append(r.loadHistory(ctx, agent, res, logger), gateway.UserText(req.Input))

	tracker := NewTokenTracker(agent.Model)
	loopErr := r.iterate(ctx, agent, gateway.Request{
		Model:       agent.Model,
		System:      BuildSystemPrompt(agent.SystemPrompt, contextText, req.CallerContext),
		Messages:    messages,
		Tools:       toolset.Specs(),
		MaxTokens:   r.maxTokens,
		Temperature: agent.SamplingTemperature(),
	}, toolset, tracker, res, logger)

	// Bookkeeping must land even if the caller gave up.
	bookCtx := context.WithoutCancel(ctx)

	res.Usage = tracker.Usage()
	if res.Usage.Total() > 0 {
		cost, err := r.admission.RecordUsage(bookCtx, agent.ID, tracker.AdmissionUsage())
		if err != nil {
			logger.Error("recording usage failed", zap.Error(err))
			r.degrade(res, agent.ID, DegradedUsage)
		}
		res.Cost = cost
	}

	if loopErr != nil {
		res.Outcome = OutcomeFailed
		res.Err = loopErr
		res.Text = fmt.Sprintf("%s (%v)", FailedMessage, loopErr)
	}

	// A caller cancelling the run, or its own deadline cutting it off, is
	// not the agent's failure.
	callerGaveUp := loopErr != nil && (errors.Is(loopErr, context.Canceled) || ctx.Err() != nil)
	if !callerGaveUp {
		opened, err := r.admission.RecordOutcome(bookCtx, agent.ID, res.Outcome.Success())
		if err != nil {
			logger.Error("recording outcome failed", zap.Error(err))
			r.degrade(res, agent.ID, DegradedBreaker)
		}
		res.BreakerOpened = opened
	}

	if res.Outcome != OutcomeFailed {
		r.persist(bookCtx, agent, req.Input, res, logger)
	}
	r.beat(bookCtx, agent, res, logger)

	logger.Info("run finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("iterations", res.Iterations),
		zap.Int("tool_calls", res.ToolCalls),
		zap.Int64("tokens", res.Usage.Total()),
		zap.Float64("cost", res.Cost),
		zap.Strings("degraded", res.Degraded))
	return res, nil
}

// iterate runs the model/tool loop, setting res.Outcome and res.Text on
// success. A returned error is a hard failure.
func (r *Runner) iterate(ctx context.Context, agent *models.Agent, req gateway.Request, toolset *tools.Registry, tracker *TokenTracker, res *Result, logger *zap.Logger) error {
	ic := NewIterationController(agent.MaxIterations)

	var resp *gateway.Response
	for ic.ShouldContinue(resp) {
		var err error
		resp, _, err = r.complete(ctx, agent.ID, req, logger)
		if err != nil {
			res.Iterations = ic.GetIteration()
			return err
		}
		ic.Observe(resp)
		tracker.Update(resp.Usage)

		if resp.Final() {
			break
		}

		req.Messages = append(req.Messages, resp.Message())
		results := make([]gateway.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			out := toolset.Execute(ctx, call.Name, call.Input)
			res.ToolCalls++
			if out.IsError {
				logger.Warn("tool call failed",
					zap.String("tool", call.Name),
					zap.String("error", out.Content))
			}
			results = append(results, gateway.ToolResult{
				CallID:  call.ID,
				Content: out.Content,
				IsError: out.IsError,
			})
		}
		req.Messages = append(req.Messages, gateway.Message{Role: gateway.RoleUser, ToolResults: results})
	}
	res.Iterations = ic.GetIteration()

	if resp != nil && resp.Final() {
		res.Outcome = OutcomeCompleted
		res.Text = strings.TrimSpace(resp.Text)
		if res.Text == "" {
			res.Text = strings.TrimSpace(ic.LastText())
		}
		if res.Text == "" {
			res.Text = IncompleteMarker
			res.Outcome = OutcomeIncomplete
		}
		return nil
	}

	logger.Warn("iteration cap reached", zap.Int("max_iterations", ic.GetMaxIterations()))
	res.Outcome = OutcomeIncomplete
	res.Text = strings.TrimSpace(ic.LastText())
	if res.Text == "" {
		res.Text = IncompleteMarker
	}
	return nil
}

func (r *Runner) retrieve(ctx context.Context, agent *models.Agent, res *Result, logger *zap.Logger) string {
	if r.retriever == nil || agent.ContextQuery == "" {
		return ""
	}
	snippets, err := r.retriever.Retrieve(ctx, agent.ContextQuery, r.maxResults)
	if err != nil {
		logger.Warn("context retrieval failed, continuing without context", zap.Error(err))
		r.degrade(res, agent.ID, DegradedRetrieval)
		return ""
	}
	return retrieval.Format(snippets)
}

func (r *Runner) loadHistory(ctx context.Context, agent *models.Agent, res *Result, logger *zap.Logger) []gateway.Message {
	if r.history == nil {
		return nil
	}
	turns, err := r.history.RecentTurns(ctx, agent.ID, agent.MaxHistoryTurns)
	if err != nil {
		logger.Warn("loading history failed, continuing without history", zap.Error(err))
		r.degrade(res, agent.ID, DegradedHistoryRead)
		return nil
	}
	return historyMessages(turns)
}

// historyMessages converts stored turns to alternating gateway messages
// that start with a user message. Consecutive turns by the same role are
// merged.
func historyMessages(turns []*models.ConversationTurn) []gateway.Message {
	var msgs []gateway.Message
	for _, t := range turns {
		role := gateway.RoleUser
		if t.Role == models.RoleAgent {
			role = gateway.RoleAssistant
		}
		if len(msgs) == 0 && role != gateway.RoleUser {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Text += "\n\n" + t.Content
			continue
		}
		msgs = append(msgs, gateway.Message{Role: role, Text: t.Content})
	}
	// The new input follows as a user message.
	if n := len(msgs); n > 0 && msgs[n-1].Role == gateway.RoleUser {
		msgs = msgs[:n-1]
	}
	return msgs
}

func (r *Runner) persist(ctx context.Context, agent *models.Agent, input string, res *Result, logger *zap.Logger) {
	if r.history == nil {
		return
	}
	now := r.clock.Now()
	err := r.history.AppendTurns(ctx,
		&models.ConversationTurn{AgentID: agent.ID, Role: models.RoleCaller, Content: input, CreatedAt: now},
		&models.ConversationTurn{AgentID: agent.ID, Role: models.RoleAgent, Content: res.Text, CreatedAt: now},
	)
	if err == nil {
		_, err = r.history.PruneTurns(ctx, agent.ID, agent.MaxHistoryTurns)
	}
	if err != nil {
		logger.Warn("persisting history failed", zap.Error(err))
		r.degrade(res, agent.ID, DegradedHistoryWrite)
	}
}

func (r *Runner) beat(ctx context.Context, agent *models.Agent, res *Result, logger *zap.Logger) {
	if r.heartbeats == nil {
		return
	}
	rec := heartbeat.Record{
		Agent:        agent.ID,
		TS:           r.clock.Now(),
		TokensBudget: agent.TokenBudget,
		RunID:        res.RunID,
		Outcome:      string(res.Outcome),
	}
	if usage, err := r.admission.MonthlyUsage(ctx, agent.ID); err == nil {
		rec.TokensUsed = usage.MonthlyTokens
	} else {
		logger.Warn("reading usage for heartbeat failed", zap.Error(err))
	}
	if err := r.heartbeats.Write(rec); err != nil {
		logger.Warn("writing heartbeat failed", zap.Error(err))
		r.degrade(res, agent.ID, DegradedHeartbeat)
	}
}

func (r *Runner) degrade(res *Result, agentID, collaborator string) {
	res.degrade(collaborator)
	r.metrics.IncDegradation(agentID, collaborator)
}
