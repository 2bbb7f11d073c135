package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aivillage/hub/pkg/events"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/types"
)

// DefaultStopGrace is the window between SIGTERM and SIGKILL when stopping
// an agent process.
const DefaultStopGrace = 10 * time.Second

// AgentState describes one supervised agent process
type AgentState struct {
	AgentID   string    `json:"agent_id"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	LogFile   string    `json:"log_file,omitempty"`
	Restarts  int       `json:"restarts"`
}

// Config holds supervisor configuration
type Config struct {
	// Binary is the executable to spawn per agent; empty means the current
	// executable (os.Executable).
	Binary string

	// Args is the argv passed to the binary, e.g. ["worker"].
	Args []string

	// LogDir receives one <agent_id>.log file per agent.
	LogDir string

	// StopGrace bounds graceful shutdown before SIGKILL.
	StopGrace time.Duration

	// EnvFor, when set, returns extra environment entries for an agent's
	// process, e.g. a per-agent DRIVER_COMMAND override.
	EnvFor func(agentID string) []string
}

type agentProc struct {
	cmd       *exec.Cmd
	logFile   *os.File
	startedAt time.Time
	restarts  int
	done      chan struct{}
}

// Supervisor owns the agent worker processes. All process handles live
// here, guarded by one mutex; nothing else in the hub holds a child
// process reference.
type Supervisor struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	agents map[string]*agentProc
}

// New creates a supervisor. broker may be nil.
func New(cfg Config, broker *events.Broker) (*Supervisor, error) {
	if cfg.Binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		cfg.Binary = self
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"worker"}
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(os.TempDir(), "hub-agents")
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent log dir: %w", err)
	}
	return &Supervisor{
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("supervisor"),
		agents: make(map[string]*agentProc),
	}, nil
}

// Start spawns a worker process for the agent. Starting an agent that is
// already running is an error; use EnsureRunning for idempotent startup.
func (s *Supervisor) Start(agentID string) error {
	agentID = types.NormalizeAgentID(agentID)
	if agentID == "" {
		return fmt.Errorf("agent id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if proc, ok := s.agents[agentID]; ok && s.alive(proc) {
		return fmt.Errorf("agent %s already running (pid %d)", agentID, proc.cmd.Process.Pid)
	}
	return s.startLocked(agentID, 0)
}

// startLocked spawns the process; caller holds s.mu.
func (s *Supervisor) startLocked(agentID string, restarts int) error {
	logPath := filepath.Join(s.cfg.LogDir, agentID+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open agent log file: %w", err)
	}

	cmd := exec.Command(s.cfg.Binary, s.cfg.Args...)
	cmd.Env = append(os.Environ(), "AGENT_ID="+agentID)
	if s.cfg.EnvFor != nil {
		cmd.Env = append(cmd.Env, s.cfg.EnvFor(agentID)...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start agent %s: %w", agentID, err)
	}

	proc := &agentProc{
		cmd:       cmd,
		logFile:   logFile,
		startedAt: time.Now().UTC(),
		restarts:  restarts,
		done:      make(chan struct{}),
	}
	s.agents[agentID] = proc

	go func() {
		err := cmd.Wait()
		close(proc.done)
		logFile.Close()
		if err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("agent process exited")
		} else {
			s.logger.Info().Str("agent_id", agentID).Msg("agent process exited cleanly")
		}
	}()

	s.logger.Info().Str("agent_id", agentID).Int("pid", cmd.Process.Pid).Str("log_file", logPath).Msg("agent started")
	s.publish(events.EventAgentStarted, agentID)
	return nil
}

// EnsureRunning starts the agent if it is not alive, restarting a dead
// process in place. Returns true when a new process was spawned.
func (s *Supervisor) EnsureRunning(agentID string) (bool, error) {
	agentID = types.NormalizeAgentID(agentID)

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.agents[agentID]
	if ok && s.alive(proc) {
		return false, nil
	}
	restarts := 0
	if ok {
		restarts = proc.restarts + 1
	}
	if err := s.startLocked(agentID, restarts); err != nil {
		return false, err
	}
	return true, nil
}

// Stop terminates the agent's process: SIGTERM, then SIGKILL after the
// grace window.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	agentID = types.NormalizeAgentID(agentID)

	s.mu.Lock()
	proc, ok := s.agents[agentID]
	if !ok || !s.alive(proc) {
		delete(s.agents, agentID)
		s.mu.Unlock()
		return nil
	}
	delete(s.agents, agentID)
	s.mu.Unlock()

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent %s: %w", agentID, err)
	}

	select {
	case <-proc.done:
	case <-time.After(s.cfg.StopGrace):
		if err := proc.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill agent %s: %w", agentID, err)
		}
		<-proc.done
	case <-ctx.Done():
		_ = proc.cmd.Process.Kill()
		return ctx.Err()
	}

	s.logger.Info().Str("agent_id", agentID).Msg("agent stopped")
	s.publish(events.EventAgentStopped, agentID)
	return nil
}

// StopAll stops every supervised agent
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", id).Msg("agent stop failed")
		}
	}
}

// Status reports the state of one agent
func (s *Supervisor) Status(agentID string) AgentState {
	agentID = types.NormalizeAgentID(agentID)

	s.mu.Lock()
	defer s.mu.Unlock()

	proc, ok := s.agents[agentID]
	state := AgentState{AgentID: agentID}
	if !ok {
		return state
	}
	state.Running = s.alive(proc)
	state.StartedAt = proc.startedAt
	state.Restarts = proc.restarts
	state.LogFile = filepath.Join(s.cfg.LogDir, agentID+".log")
	if state.Running {
		state.PID = proc.cmd.Process.Pid
	}
	return state
}

// StatusAll reports the state of every known agent
func (s *Supervisor) StatusAll() []AgentState {
	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	states := make([]AgentState, 0, len(ids))
	for _, id := range ids {
		states = append(states, s.Status(id))
	}
	return states
}

func (s *Supervisor) alive(proc *agentProc) bool {
	select {
	case <-proc.done:
		return false
	default:
		return true
	}
}

func (s *Supervisor) publish(eventType events.EventType, agentID string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: eventType, AgentID: agentID})
}
