package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Default agent settings applied when the roster leaves a field unset.
const (
	DefaultMaxIterations   = 10
	DefaultMaxHistoryTurns = 20
	DefaultTemperature     = 0.7
)

// agentIDPattern keeps ids usable as file names and URL path segments.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidAgentID reports whether id is lowercase letters, digits, '_' and
// '-', starting with a letter or digit.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Agent is one configured worker identity. Agents are loaded from static
// configuration at process start and are not mutated during a run.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id" yaml:"id"`
	// Tier is the priority class used for admission decisions.
	Tier Tier `json:"tier" yaml:"tier"`
	// TokenBudget is the monthly token ceiling for this agent (0 = unlimited).
	TokenBudget int64 `json:"token_budget" yaml:"token_budget"`
	// Model is the model identifier passed to the gateway.
	Model string `json:"model" yaml:"model"`
	// Temperature is the sampling temperature. Nil means unset, so an
	// explicit 0 survives ApplyDefaults.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	// MaxIterations caps gateway calls per run.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
	// MaxHistoryTurns is how many stored turns are replayed and retained.
	MaxHistoryTurns int `json:"max_history_turns" yaml:"max_history_turns"`
	// ContextQuery is the query string sent to the context retriever.
	ContextQuery string `json:"context_query" yaml:"context_query"`
	// SystemPrompt is the agent's standing instruction text.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
	// Tools lists the tool names this agent may call. Empty means all registered tools.
	Tools []string `json:"tools,omitempty" yaml:"tools"`
}

// ApplyDefaults fills zero-valued optional settings.
func (a *Agent) ApplyDefaults() {
	if a.MaxIterations <= 0 {
		a.MaxIterations = DefaultMaxIterations
	}
	if a.MaxHistoryTurns <= 0 {
		a.MaxHistoryTurns = DefaultMaxHistoryTurns
	}
	if a.Temperature == nil {
		t := DefaultTemperature
		a.Temperature = &t
	}
}

// SamplingTemperature returns the configured temperature, or the default
// when none is set.
func (a *Agent) SamplingTemperature() float64 {
	if a.Temperature == nil {
		return DefaultTemperature
	}
	return *a.Temperature
}

// Validate checks the agent definition.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if !ValidAgentID(a.ID) {
		return fmt.Errorf("agent %q: id may only contain a-z, 0-9, '_' and '-'", a.ID)
	}
	if !a.Tier.Valid() {
		return fmt.Errorf("agent %s: tier must be 1, 2 or 3, got %d", a.ID, a.Tier)
	}
	if a.TokenBudget < 0 {
		return fmt.Errorf("agent %s: token_budget must not be negative", a.ID)
	}
	if a.Model == "" {
		return fmt.Errorf("agent %s: model is required", a.ID)
	}
	if t := a.SamplingTemperature(); t < 0 || t > 1 {
		return fmt.Errorf("agent %s: temperature must be within [0, 1]", a.ID)
	}
	return nil
}

// Role identifies who authored a conversation turn.
type Role string

const (
	// RoleCaller is the human or job that invoked the agent.
	RoleCaller Role = "caller"
	// RoleAgent is the agent's final answer.
	RoleAgent Role = "agent"
)

// Valid returns true if the role is a known value.
func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleAgent
}

// ConversationTurn is one persisted message in an agent's history.
type ConversationTurn struct {
	// ID is the unique identifier of the turn.
	ID string `json:"id"`
	// AgentID owns the turn.
	AgentID string `json:"agent_id"`
	// Role is who produced the content.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// CreatedAt is when the turn was written.
	CreatedAt time.Time `json:"created_at"`
}
