package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivillage/hub/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	s, err := New(Config{
		Binary:    "/bin/sh",
		Args:      []string{"-c", script},
		LogDir:    t.TempDir(),
		StopGrace: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestStartStatusStop(t *testing.T) {
	s := newTestSupervisor(t, `echo "agent $AGENT_ID up"; sleep 30`)

	require.NoError(t, s.Start("Agent1-CUA"))

	state := s.Status("agent1")
	assert.True(t, state.Running)
	assert.NotZero(t, state.PID)
	assert.Equal(t, "agent1", state.AgentID)

	// Double start of a live agent is refused.
	assert.Error(t, s.Start("agent1"))

	require.NoError(t, s.Stop(context.Background(), "agent1"))
	assert.False(t, s.Status("agent1").Running)

	// Stopping a stopped agent is a no-op.
	assert.NoError(t, s.Stop(context.Background(), "agent1"))
}

func TestAgentLogFile(t *testing.T) {
	s := newTestSupervisor(t, `echo "hello from $AGENT_ID"`)

	require.NoError(t, s.Start("agent2"))

	logPath := filepath.Join(s.cfg.LogDir, "agent2.log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && len(data) > 0
	}, 3*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello from agent2")
}

func TestEnsureRunningRestartsDeadAgent(t *testing.T) {
	s := newTestSupervisor(t, `true`)

	spawned, err := s.EnsureRunning("agent1")
	require.NoError(t, err)
	assert.True(t, spawned)

	// Wait for the short-lived process to exit.
	require.Eventually(t, func() bool {
		return !s.Status("agent1").Running
	}, 3*time.Second, 20*time.Millisecond)

	spawned, err = s.EnsureRunning("agent1")
	require.NoError(t, err)
	assert.True(t, spawned, "dead agent restarted")
	assert.Equal(t, 1, s.Status("agent1").Restarts)
}

func TestEnsureRunningIsIdempotentForLiveAgent(t *testing.T) {
	s := newTestSupervisor(t, `sleep 30`)
	defer s.StopAll(context.Background())

	spawned, err := s.EnsureRunning("agent3")
	require.NoError(t, err)
	assert.True(t, spawned)

	spawned, err = s.EnsureRunning("agent3")
	require.NoError(t, err)
	assert.False(t, spawned)
}

func TestStopAll(t *testing.T) {
	s := newTestSupervisor(t, `sleep 30`)

	require.NoError(t, s.Start("agent1"))
	require.NoError(t, s.Start("agent2"))
	assert.Len(t, s.StatusAll(), 2)

	s.StopAll(context.Background())
	for _, state := range s.StatusAll() {
		assert.False(t, state.Running)
	}
}
