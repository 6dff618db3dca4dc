package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// Roster is the agent roster file.
type Roster struct {
	Agents []*models.Agent `yaml:"agents"`
}

// LoadAgents reads and validates the agent roster at path. Agents without
// max_iterations get maxIterations (or the built-in default when zero).
func LoadAgents(path string, maxIterations int) ([]*models.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent roster: %w", err)
	}
	agents, err := ParseAgents(data, maxIterations)
	if err != nil {
		return nil, fmt.Errorf("agent roster %s: %w", path, err)
	}
	return agents, nil
}

// ParseAgents decodes a roster document. Unknown keys are rejected so a
// misspelled setting does not silently fall back to its default. Defaults
// are applied before validation.
func ParseAgents(data []byte, maxIterations int) ([]*models.Agent, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var roster Roster
	if err := dec.Decode(&roster); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no agents defined")
		}
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if len(roster.Agents) == 0 {
		return nil, errors.New("no agents defined")
	}

	seen := make(map[string]bool, len(roster.Agents))
	var errs []error
	for i, a := range roster.Agents {
		if a == nil {
			errs = append(errs, fmt.Errorf("agents[%d]: empty entry", i))
			continue
		}
		if a.MaxIterations == 0 {
			a.MaxIterations = maxIterations
		}
		a.ApplyDefaults()
		if err := a.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agent %s: duplicate id", a.ID))
		}
		seen[a.ID] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return roster.Agents, nil
}
