// Package heartbeat writes and inspects per-agent liveness records.
//
// Each agent process writes one JSON document after every run. A monitor
// classifies an agent as stuck when its record is older than the staleness
// window even though it may still be running.
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/fleet/internal/statefile"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Record is the persisted heartbeat of one agent.
type Record struct {
	Agent        string    `json:"agent"`
	TS           time.Time `json:"ts"`
	TokensUsed   int64     `json:"tokensUsed"`
	TokensBudget int64     `json:"tokensBudget"`
	RunID        string    `json:"runId,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
}

// State is the health classification of an agent.
type State string

const (
	StateHealthy State = "healthy"
	StateStuck   State = "stuck"
	StateMissing State = "missing"
	// StatePaused is a stale heartbeat of an agent that admission is
	// holding back. Only a caller that knows admission state assigns it.
	StatePaused State = "paused"
)

// Status is the result of checking one agent.
type Status struct {
	Agent  string        `json:"agent"`
	State  State         `json:"state"`
	Age    time.Duration `json:"age"`
	Record *Record       `json:"record,omitempty"`
}

// Store reads and writes heartbeat documents under a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the heartbeat directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the document path for agentID.
func (s *Store) Path(agentID string) string {
	return filepath.Join(s.dir, agentID+".json")
}

// Write replaces agentID's heartbeat atomically.
func (s *Store) Write(r Record) error {
	if r.Agent == "" {
		return fmt.Errorf("heartbeat: agent is required")
	}
	if !models.ValidAgentID(r.Agent) {
		return fmt.Errorf("heartbeat: invalid agent id %q", r.Agent)
	}
	return statefile.Write(s.Path(r.Agent), r)
}

// Read returns agentID's last heartbeat. found is false when the agent has
// never written one.
func (s *Store) Read(agentID string) (rec Record, found bool, err error) {
	if !models.ValidAgentID(agentID) {
		return rec, false, fmt.Errorf("heartbeat: invalid agent id %q", agentID)
	}
	found, err = statefile.Read(s.Path(agentID), &rec)
	return rec, found, err
}

// Agents lists the agent ids that have a heartbeat document.
func (s *Store) Agents() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing heartbeats: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if id, ok := agentFromFile(e.Name()); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Classify returns the state of a heartbeat at now.
func Classify(rec *Record, now time.Time, staleAfter time.Duration) (State, time.Duration) {
	if rec == nil {
		return StateMissing, 0
	}
	age := now.Sub(rec.TS)
	if age < 0 {
		age = 0
	}
	if staleAfter > 0 && age > staleAfter {
		return StateStuck, age
	}
	return StateHealthy, age
}

// Check classifies every agent in agentIDs plus any agent that has a
// heartbeat on disk. Results are sorted by agent id.
func (s *Store) Check(agentIDs []string, now time.Time, staleAfter time.Duration) ([]Status, error) {
	onDisk, err := s.Agents()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(agentIDs)+len(onDisk))
	var ids []string
	for _, id := range append(append([]string{}, agentIDs...), onDisk...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	statuses := make([]Status, 0, len(ids))
	for _, id := range ids {
		rec, found, err := s.Read(id)
		if err != nil {
			return nil, err
		}
		st := Status{Agent: id}
		if found {
			st.Record = &rec
		}
		st.State, st.Age = Classify(st.Record, now, staleAfter)
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// agentFromFile maps a directory entry to an agent id, skipping the
// temporary files left by in-progress atomic writes and names that are
// not agent ids.
func agentFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	id := strings.TrimSuffix(name, ".json")
	return id, models.ValidAgentID(id)
}
