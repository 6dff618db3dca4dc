package agent

import (
	"strings"
)

// ContextHeading introduces retrieved background text in the system prompt.
const ContextHeading = "## Relevant Context"

// CallerHeading introduces caller-supplied context in the system prompt.
const CallerHeading = "## Caller Context"

// BuildSystemPrompt assembles the system prompt for one run from the
// agent's standing instructions, retrieved context and caller context.
// Empty sections are omitted.
func BuildSystemPrompt(base, retrieved, caller string) string {
	var sections []string
	if s := strings.TrimSpace(base); s != "" {
		sections = append(sections, s)
	}
	if s := strings.TrimSpace(retrieved); s != "" {
		sections = append(sections, ContextHeading+"\n\n"+s)
	}
	if s := strings.TrimSpace(caller); s != "" {
		sections = append(sections, CallerHeading+"\n\n"+s)
	}
	return strings.Join(sections, "\n\n")
}
