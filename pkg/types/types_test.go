package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusAssigned.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to assigned", StatusPending, StatusAssigned, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"assigned to in_progress", StatusAssigned, StatusInProgress, true},
		{"assigned to pending (sweep)", StatusAssigned, StatusPending, true},
		{"in_progress to completed", StatusInProgress, StatusCompleted, true},
		{"in_progress to failed", StatusInProgress, StatusFailed, true},
		{"in_progress to pending (sweep)", StatusInProgress, StatusPending, true},
		{"completed is terminal", StatusCompleted, StatusPending, false},
		{"failed is terminal", StatusFailed, StatusInProgress, false},
		{"cancelled is terminal", StatusCancelled, StatusAssigned, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNormalizeAgentID(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"agent1", "agent1"},
		{"agent2-cua", "agent2"},
		{"Agent3-CUA", "agent3"},
		{"  agent1-cua  ", "agent1"},
		{"AGENT2", "agent2"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, NormalizeAgentID(tt.raw), "raw=%q", tt.raw)
	}
}

func TestTaskMetadataRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	meta := TaskMetadata{
		AssignedAgentID:   "agent2",
		Response:          "done",
		ResponseUpdatedAt: &now,
		LastAgent:         "agent2",
		Result:            map[string]any{"return_code": float64(0)},
		Extra:             map[string]any{"custom": "value"},
	}

	data, err := json.Marshal(meta)
	require.NoError(t, err)

	// Known keys are flattened into the object, not nested.
	raw := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "agent2", raw["assigned_agent_id"])
	assert.Equal(t, "value", raw["custom"])

	var decoded TaskMetadata
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, meta.AssignedAgentID, decoded.AssignedAgentID)
	assert.Equal(t, meta.Response, decoded.Response)
	assert.Equal(t, meta.LastAgent, decoded.LastAgent)
	assert.Equal(t, meta.Result, decoded.Result)
	assert.Equal(t, meta.Extra, decoded.Extra)
	require.NotNil(t, decoded.ResponseUpdatedAt)
	assert.True(t, now.Equal(*decoded.ResponseUpdatedAt))
}

func TestTaskMetadataMerge(t *testing.T) {
	base := TaskMetadata{
		AssignedAgentID: "agent1",
		Extra:           map[string]any{"keep": 1, "clobber": "old"},
	}
	base.Merge(TaskMetadata{
		Response: "hello",
		Extra:    map[string]any{"clobber": "new"},
	})

	assert.Equal(t, "agent1", base.AssignedAgentID, "merge must not drop existing keys")
	assert.Equal(t, "hello", base.Response)
	assert.Equal(t, 1, base.Extra["keep"])
	assert.Equal(t, "new", base.Extra["clobber"])
}

func TestTitleFromText(t *testing.T) {
	assert.Equal(t, "print hello", TitleFromText("print hello"))
	assert.Equal(t, "untitled task", TitleFromText("   "))
	assert.Equal(t, "a b", TitleFromText("a\nb"))

	long := ""
	for i := 0; i < 40; i++ {
		long += "xy"
	}
	assert.Len(t, TitleFromText(long+"overflow"), 80)
}

func TestAssignedAgent(t *testing.T) {
	// Round-robin on task id across 3 agents.
	assert.Equal(t, "agent2", AssignedAgent(1, 3))
	assert.Equal(t, "agent3", AssignedAgent(2, 3))
	assert.Equal(t, "agent1", AssignedAgent(3, 3))
	assert.Equal(t, "agent2", AssignedAgent(4, 3))
	assert.Equal(t, "agent1", AssignedAgent(0, 0), "degenerate agent count")
}
