package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether the status is a final state
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status value
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// statusTransitions enumerates the legal forward edges of the task state
// machine. The pending edges out of assigned/in_progress exist only for the
// stalled-task sweep; terminal states have no outgoing edges.
var statusTransitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusInProgress, StatusPending, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
}

// CanTransitionTo reports whether the state machine allows moving from s to next
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// vendorSuffixes are stripped from raw agent identifiers at ingress.
var vendorSuffixes = []string{"-cua"}

// NormalizeAgentID returns the canonical form of a raw agent identifier:
// lowercased, trimmed, with any trailing vendor suffix removed.
// "Agent2-CUA" -> "agent2". The function is pure and applied at every
// ingress; stored rows and object paths only ever carry the normalized form.
func NormalizeAgentID(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	for _, suffix := range vendorSuffixes {
		id = strings.TrimSuffix(id, suffix)
	}
	return id
}

// TaskMetadata is the tagged variant for the task metadata column. Known
// keys get typed fields validated at the storage facade; unknown keys
// survive round trips through Extra.
type TaskMetadata struct {
	AssignedAgentID   string         `json:"-"`
	Response          string         `json:"-"`
	ResponseUpdatedAt *time.Time     `json:"-"`
	LastAgent         string         `json:"-"`
	Result            map[string]any `json:"-"`
	Extra             map[string]any `json:"-"`
}

// Known metadata keys recognized by the facade.
const (
	MetaKeyAssignedAgentID   = "assigned_agent_id"
	MetaKeyResponse          = "response"
	MetaKeyResponseUpdatedAt = "response_updated_at"
	MetaKeyLastAgent         = "last_agent"
	MetaKeyResult            = "result"
)

// MarshalJSON flattens typed fields and Extra into a single object
func (m TaskMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.AssignedAgentID != "" {
		out[MetaKeyAssignedAgentID] = m.AssignedAgentID
	}
	if m.Response != "" {
		out[MetaKeyResponse] = m.Response
	}
	if m.ResponseUpdatedAt != nil {
		out[MetaKeyResponseUpdatedAt] = m.ResponseUpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.LastAgent != "" {
		out[MetaKeyLastAgent] = m.LastAgent
	}
	if m.Result != nil {
		out[MetaKeyResult] = m.Result
	}
	return json.Marshal(out)
}

// UnmarshalJSON lifts known keys into typed fields and keeps the rest in Extra
func (m *TaskMetadata) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = TaskMetadata{}
	for k, v := range raw {
		switch k {
		case MetaKeyAssignedAgentID:
			if s, ok := v.(string); ok {
				m.AssignedAgentID = s
				continue
			}
		case MetaKeyResponse:
			if s, ok := v.(string); ok {
				m.Response = s
				continue
			}
		case MetaKeyResponseUpdatedAt:
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					m.ResponseUpdatedAt = &t
					continue
				}
			}
		case MetaKeyLastAgent:
			if s, ok := v.(string); ok {
				m.LastAgent = s
				continue
			}
		case MetaKeyResult:
			if r, ok := v.(map[string]any); ok {
				m.Result = r
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		m.Extra[k] = v
	}
	return nil
}

// Merge applies non-zero fields of other on top of m without dropping
// existing keys. Extra keys are merged key-wise, other winning.
func (m *TaskMetadata) Merge(other TaskMetadata) {
	if other.AssignedAgentID != "" {
		m.AssignedAgentID = other.AssignedAgentID
	}
	if other.Response != "" {
		m.Response = other.Response
	}
	if other.ResponseUpdatedAt != nil {
		m.ResponseUpdatedAt = other.ResponseUpdatedAt
	}
	if other.LastAgent != "" {
		m.LastAgent = other.LastAgent
	}
	if other.Result != nil {
		m.Result = other.Result
	}
	if len(other.Extra) > 0 {
		if m.Extra == nil {
			m.Extra = map[string]any{}
		}
		for k, v := range other.Extra {
			m.Extra[k] = v
		}
	}
}

// Task is a user-submitted unit of work with a durable state machine
type Task struct {
	ID          int64        `json:"task_id"`
	AgentID     string       `json:"agent_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      Status       `json:"status"`
	Metadata    TaskMetadata `json:"metadata"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ProgressEntry is an append-only record of a task's forward motion.
// Percent is nil for heartbeat rows that carry no new percentage.
type ProgressEntry struct {
	ID        int64          `json:"id"`
	TaskID    int64          `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Percent   *float64       `json:"progress_percent"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Artifact is the relational metadata row for a blob in the object store
type Artifact struct {
	ID          int64          `json:"artifact_id"`
	AgentID     string         `json:"agent_id"`
	TaskID      *int64         `json:"task_id,omitempty"`
	Bucket      string         `json:"bucket"`
	ObjectPath  string         `json:"object_path"`
	ContentType string         `json:"content_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UploadedAt  time.Time      `json:"uploaded_at"`
}

// LogLevel classifies diagnostic log entries
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Valid reports whether l is a known log level
func (l LogLevel) Valid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarning, LogError:
		return true
	default:
		return false
	}
}

// LogEntry is an append-only diagnostic record. TaskID is a soft reference:
// logs never gate control flow and carry no referential constraint.
type LogEntry struct {
	ID        string         `json:"log_id,omitempty"`
	AgentID   string         `json:"agent_id"`
	TaskID    *int64         `json:"task_id,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SortOrder selects result ordering for list queries
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// TaskFilter narrows ListTasks results. Zero values mean "no filter".
type TaskFilter struct {
	AgentID string
	Status  Status
	Limit   int
	Offset  int
	Order   SortOrder
}

// ArtifactFilter narrows ListArtifacts results
type ArtifactFilter struct {
	AgentID string
	TaskID  *int64
	Bucket  string
	Limit   int
}

// TitleFromText derives a task title from the raw submission text:
// the first 80 characters, with newlines collapsed to spaces.
func TitleFromText(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if len(title) > 80 {
		title = title[:80]
	}
	if title == "" {
		title = "untitled task"
	}
	return title
}

// AssignedAgent returns the nominal agent for a task id under round-robin
// assignment across n agents: agent_{1 + (id mod n)}.
func AssignedAgent(taskID int64, n int) string {
	if n <= 0 {
		n = 1
	}
	return fmt.Sprintf("agent%d", 1+taskID%int64(n))
}
