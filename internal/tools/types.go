// Package tools provides the tool registry used by the execution loop.
//
// A tool is a name, a JSON-schema description of its arguments and a
// handler. The registry validates arguments against the schema before
// dispatch and turns every failure (unknown name, schema mismatch, handler
// error, panic) into an error result the model can read, so a bad tool
// call never aborts a run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/fleet/internal/gateway"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Handler executes a tool with raw JSON arguments that already passed
// schema validation.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Typed adapts a handler taking a decoded argument struct.
func Typed[T any](fn func(ctx context.Context, args T) (string, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (string, error) {
		var args T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		}
		return fn(ctx, args)
	}
}

// Tool is one registered tool.
type Tool struct {
	// Name is the unique identifier the model uses to call the tool.
	Name string
	// Description explains what the tool does to the model.
	Description string
	// Schema defines the expected arguments.
	Schema Schema
	// Handler runs the tool.
	Handler Handler
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Handler == nil {
		return ErrToolHandlerNil
	}
	return nil
}

// Spec returns the tool's description for a gateway request.
func (t *Tool) Spec() gateway.ToolSpec {
	properties := make(map[string]any, len(t.Schema.Properties))
	for name, p := range t.Schema.Properties {
		properties[name] = p
	}
	return gateway.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Properties:  properties,
		Required:    t.Schema.Required,
	}
}

// Result is the outcome of one tool execution. Errors are carried as
// content with IsError set, ready to be fed back to the model.
type Result struct {
	ToolName string
	Content  string
	IsError  bool
	Duration time.Duration
}
