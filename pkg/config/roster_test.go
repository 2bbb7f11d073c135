package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	path := writeRoster(t, `
agents:
  - id: Agent1-CUA
  - id: agent2
    driver_command: "python3 custom_driver.py --headless"
`)

	roster, err := LoadRoster(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent1", "agent2"}, roster.AgentIDs())

	fallback := []string{"python3", "run_task.py"}
	assert.Equal(t, fallback, roster.DriverFor("agent1", fallback))
	assert.Equal(t, []string{"python3", "custom_driver.py", "--headless"}, roster.DriverFor("agent2", fallback))
}

func TestLoadRosterRejectsDuplicates(t *testing.T) {
	path := writeRoster(t, `
agents:
  - id: agent1
  - id: Agent1-CUA
`)
	_, err := LoadRoster(path)
	assert.Error(t, err)
}

func TestLoadRosterRejectsEmpty(t *testing.T) {
	path := writeRoster(t, `agents: []`)
	_, err := LoadRoster(path)
	assert.Error(t, err)
}

func TestDefaultRoster(t *testing.T) {
	roster := DefaultRoster(3)
	assert.Equal(t, []string{"agent1", "agent2", "agent3"}, roster.AgentIDs())

	roster = DefaultRoster(0)
	assert.Equal(t, []string{"agent1"}, roster.AgentIDs())
}
