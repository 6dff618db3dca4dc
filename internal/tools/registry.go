package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ShayCichocki/fleet/internal/gateway"
	"github.com/ShayCichocki/fleet/internal/metrics"
)

// Registry holds all available tools and provides lookup functionality.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a new empty tool registry. Both arguments may be nil.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		logger:  logger.Named("tools"),
		metrics: m,
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// MustRegister registers a tool and panics on error.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subset returns a registry holding only the named tools. An empty list
// returns every tool.
func (r *Registry) Subset(names []string) (*Registry, error) {
	if len(names) == 0 {
		names = r.Names()
	}

	sub := &Registry{tools: make(map[string]*Tool, len(names)), logger: r.logger, metrics: r.metrics}
	for _, name := range names {
		tool := r.Get(name)
		if tool == nil {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
		}
		sub.tools[name] = tool
	}
	return sub, nil
}

// Specs returns the gateway descriptions of every tool, sorted by name.
func (r *Registry) Specs() []gateway.ToolSpec {
	names := r.Names()
	specs := make([]gateway.ToolSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, r.Get(name).Spec())
	}
	return specs
}

// Execute runs the named tool. It never returns a Go error: unknown names,
// invalid arguments, handler errors and panics all become error results.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	start := time.Now()
	res := Result{ToolName: name}

	tool := r.Get(name)
	if tool == nil {
		res.Content = fmt.Sprintf("error: %v: %s", ErrToolNotFound, name)
		res.IsError = true
	} else if err := ValidateArgs(tool.Schema, args); err != nil {
		res.Content = fmt.Sprintf("error: %v", err)
		res.IsError = true
	} else {
		out, err := r.invoke(ctx, tool, normalizeArgs(args))
		if err != nil {
			res.Content = fmt.Sprintf("error: %v", err)
			res.IsError = true
		} else {
			res.Content = out
		}
	}

	res.Duration = time.Since(start)
	r.metrics.ObserveToolCall(name, res.IsError)
	r.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Bool("is_error", res.IsError),
		zap.Duration("duration", res.Duration))
	return res
}

func (r *Registry) invoke(ctx context.Context, tool *Tool, args json.RawMessage) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", tool.Name), zap.Any("panic", p))
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, p)
		}
	}()
	return tool.Handler(ctx, args)
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(args)) == 0 {
		return json.RawMessage("{}")
	}
	return args
}

// ValidateArgs checks args against schema: it must be a JSON object, carry
// every required property, and match the declared property types. Unknown
// properties are ignored.
func ValidateArgs(schema Schema, args json.RawMessage) error {
	args = normalizeArgs(args)
	if !gjson.ValidBytes(args) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidArguments)
	}

	parsed := gjson.ParseBytes(args)
	if !parsed.IsObject() {
		return fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}
	fields := parsed.Map()

	for _, name := range schema.Required {
		v, ok := fields[name]
		if !ok || v.Type == gjson.Null {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, name)
		}
	}

	// Iterate in a stable order so the first reported error is deterministic.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		v := fields[name]
		if v.Type == gjson.Null {
			continue
		}
		if !typeMatches(prop.Type, v) {
			return fmt.Errorf("%w: %s must be %s", ErrInvalidArgType, name, prop.Type)
		}
		if len(prop.Enum) > 0 && !inEnum(prop.Enum, v) {
			return fmt.Errorf("%w: %s must be one of %v", ErrInvalidArgType, name, prop.Enum)
		}
	}
	return nil
}

func typeMatches(want string, v gjson.Result) bool {
	switch want {
	case "":
		return true
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "integer":
		return v.Type == gjson.Number && v.Num == math.Trunc(v.Num)
	case "boolean":
		return v.IsBool()
	case "array":
		return v.IsArray()
	case "object":
		return v.IsObject()
	default:
		return true
	}
}

func inEnum(enum []any, v gjson.Result) bool {
	got := fmt.Sprint(v.Value())
	for _, e := range enum {
		if fmt.Sprint(e) == got {
			return true
		}
	}
	return false
}
