package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/fleet/internal/admission"
	"github.com/ShayCichocki/fleet/internal/clock"
	"github.com/ShayCichocki/fleet/internal/retrieval"
)

// Built-in tool names.
const (
	CurrentTimeTool     = "current_time"
	SearchKnowledgeTool = "search_knowledge"
	UsageReportTool     = "usage_report"
)

// SnapshotSource provides the fleet's admission snapshot.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*admission.Snapshot, error)
}

// Builtins holds the dependencies of the built-in tools. A nil dependency
// leaves the corresponding tool unregistered.
type Builtins struct {
	Clock      clock.Clock
	Retriever  retrieval.Retriever
	MaxResults int
	Snapshots  SnapshotSource
}

// RegisterBuiltins registers every built-in tool whose dependency is set.
func RegisterBuiltins(r *Registry, b Builtins) error {
	var tools []*Tool
	if b.Clock != nil {
		tools = append(tools, CurrentTime(b.Clock))
	}
	if b.Retriever != nil {
		tools = append(tools, SearchKnowledge(b.Retriever, b.MaxResults))
	}
	if b.Snapshots != nil {
		tools = append(tools, UsageReport(b.Snapshots))
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type currentTimeArgs struct {
	Timezone string `json:"timezone"`
}

// CurrentTime reports the current time, optionally in an IANA timezone.
func CurrentTime(clk clock.Clock) *Tool {
	return &Tool{
		Name:        CurrentTimeTool,
		Description: "Returns the current date and time in RFC 3339 format.",
		Schema: Schema{
			Properties: map[string]Property{
				"timezone": {
					Type:        "string",
					Description: "IANA timezone name such as Europe/Berlin. Defaults to UTC.",
				},
			},
		},
		Handler: Typed(func(_ context.Context, args currentTimeArgs) (string, error) {
			loc := time.UTC
			if args.Timezone != "" {
				var err error
				if loc, err = time.LoadLocation(args.Timezone); err != nil {
					return "", fmt.Errorf("unknown timezone %q", args.Timezone)
				}
			}
			return clk.Now().In(loc).Format(time.RFC3339), nil
		}),
	}
}

type searchKnowledgeArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchKnowledge searches the knowledge base.
func SearchKnowledge(r retrieval.Retriever, maxResults int) *Tool {
	if maxResults <= 0 {
		maxResults = retrieval.DefaultMaxResults
	}
	return &Tool{
		Name:        SearchKnowledgeTool,
		Description: "Searches the knowledge base and returns the most relevant documents.",
		Schema: Schema{
			Required: []string{"query"},
			Properties: map[string]Property{
				"query": {Type: "string", Description: "What to search for."},
				"limit": {
					Type:        "integer",
					Description: fmt.Sprintf("Maximum number of documents (1-%d).", maxResults),
					Default:     maxResults,
				},
			},
		},
		Handler: Typed(func(ctx context.Context, args searchKnowledgeArgs) (string, error) {
			limit := args.Limit
			if limit <= 0 || limit > maxResults {
				limit = maxResults
			}
			snippets, err := r.Retrieve(ctx, args.Query, limit)
			if err != nil {
				return "", fmt.Errorf("searching knowledge: %w", err)
			}
			if len(snippets) == 0 {
				return "No matching documents.", nil
			}
			return retrieval.Format(snippets), nil
		}),
	}
}

// UsageReport returns the fleet's current spend and breaker state as JSON.
func UsageReport(src SnapshotSource) *Tool {
	return &Tool{
		Name:        UsageReportTool,
		Description: "Reports this month's spend per agent, the global spend ratio and circuit breaker state.",
		Schema:      Schema{Properties: map[string]Property{}},
		Handler: func(ctx context.Context, _ json.RawMessage) (string, error) {
			snap, err := src.Snapshot(ctx)
			if err != nil {
				return "", fmt.Errorf("reading usage: %w", err)
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}
