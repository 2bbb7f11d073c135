package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aivillage/hub/pkg/types"
)

// RosterAgent is one agent declaration in a roster file
type RosterAgent struct {
	ID        string `yaml:"id"`
	DriverCmd string `yaml:"driver_command,omitempty"`
}

// Roster declares the agents the hub supervises. The file is optional;
// without one the hub runs agent1..agentN from AGENT_COUNT.
type Roster struct {
	Agents []RosterAgent `yaml:"agents"`
}

// LoadRoster parses a YAML roster file. Agent ids are normalized and must
// be unique after normalization.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if len(roster.Agents) == 0 {
		return nil, fmt.Errorf("roster %s declares no agents", path)
	}

	seen := map[string]bool{}
	for i := range roster.Agents {
		id := types.NormalizeAgentID(roster.Agents[i].ID)
		if id == "" {
			return nil, fmt.Errorf("roster %s: agent %d has no id", path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("roster %s: duplicate agent id %q", path, id)
		}
		seen[id] = true
		roster.Agents[i].ID = id
	}
	return &roster, nil
}

// DefaultRoster builds the agent1..agentN roster from the agent count
func DefaultRoster(n int) *Roster {
	if n < 1 {
		n = 1
	}
	roster := &Roster{Agents: make([]RosterAgent, n)}
	for i := range roster.Agents {
		roster.Agents[i].ID = fmt.Sprintf("agent%d", i+1)
	}
	return roster
}

// AgentIDs returns the normalized ids in declaration order
func (r *Roster) AgentIDs() []string {
	ids := make([]string, len(r.Agents))
	for i, a := range r.Agents {
		ids[i] = a.ID
	}
	return ids
}

// DriverFor returns the driver argv for an agent, falling back to the
// process-wide default when the roster does not override it.
func (r *Roster) DriverFor(agentID string, fallback []string) []string {
	agentID = types.NormalizeAgentID(agentID)
	for _, a := range r.Agents {
		if a.ID == agentID && a.DriverCmd != "" {
			return strings.Fields(a.DriverCmd)
		}
	}
	return fallback
}
