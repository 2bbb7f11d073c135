package storage

import (
	"context"
	"time"

	"github.com/aivillage/hub/pkg/types"
)

// Object store buckets. Contents are opaque blobs; paths follow the
// <normalized_agent_id>/<uuid>.<ext> template.
const (
	BucketScreenshots = "screenshots"
	BucketBinaries    = "binaries"
)

// Store is the single storage surface consumed by the worker loop and the
// hub API. It unifies the relational task store, the object store, and the
// log store; callers never touch the concrete backends.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, agentID, title, description string, meta types.TaskMetadata) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, int, error)
	UpdateTaskStatus(ctx context.Context, taskID int64, status types.Status, agentID string, merge *types.TaskMetadata) error
	MergeTaskMetadata(ctx context.Context, taskID int64, merge types.TaskMetadata) error
	ClaimNextPending(ctx context.Context, agentID string) (*types.Task, error)
	ResetStalled(ctx context.Context, grace time.Duration) ([]int64, error)

	// Progress
	AppendProgress(ctx context.Context, taskID int64, agentID string, percent *float64, message string, data map[string]any) (int64, error)
	ListProgress(ctx context.Context, taskID int64, sinceID int64, limit int) ([]*types.ProgressEntry, error)
	TailProgress(ctx context.Context, taskID int64, limit int) ([]*types.ProgressEntry, error)
	LatestProgress(ctx context.Context, agentID string, limit int) ([]*types.ProgressEntry, error)
	MaxProgressPercent(ctx context.Context, taskID int64) (*float64, error)

	// Artifacts
	UploadArtifact(ctx context.Context, a *types.Artifact, data []byte) (int64, error)
	ListArtifacts(ctx context.Context, filter types.ArtifactFilter) ([]*types.Artifact, error)
	GetArtifact(ctx context.Context, artifactID int64) (*types.Artifact, error)
	GetObject(ctx context.Context, bucket, objectPath string) ([]byte, error)
	PresignGet(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error)

	// Logs and agents
	AppendLog(ctx context.Context, entry *types.LogEntry) error
	RecentLogs(ctx context.Context, agentID string, taskID *int64, limit int) ([]*types.LogEntry, error)
	ListAgents(ctx context.Context) ([]string, error)
}

// TaskBackend is the relational backend behind the facade. Implemented by
// PostgresStore for production and MemoryStore for tests and dev mode.
type TaskBackend interface {
	CreateTask(ctx context.Context, task *types.Task) (int64, error)
	GetTask(ctx context.Context, taskID int64) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, int, error)
	// UpdateTaskStatus performs the transition atomically and refuses
	// edges the state machine does not allow.
	UpdateTaskStatus(ctx context.Context, taskID int64, status types.Status, agentID string, merge *types.TaskMetadata) error
	MergeTaskMetadata(ctx context.Context, taskID int64, merge types.TaskMetadata) error
	// ClaimNextPending atomically assigns the oldest pending task for the
	// agent to the caller. At most one caller ever receives a given task.
	ClaimNextPending(ctx context.Context, agentID string) (*types.Task, error)
	// ResetStalled returns non-terminal claimed tasks with no progress for
	// longer than grace back to pending.
	ResetStalled(ctx context.Context, grace time.Duration) ([]int64, error)

	AppendProgress(ctx context.Context, entry *types.ProgressEntry) (int64, error)
	ListProgress(ctx context.Context, taskID int64, sinceID int64, limit int) ([]*types.ProgressEntry, error)
	// TailProgress returns the task's newest rows in append order, so the
	// terminal row is always included however long the history grows.
	TailProgress(ctx context.Context, taskID int64, limit int) ([]*types.ProgressEntry, error)
	LatestProgress(ctx context.Context, agentID string, limit int) ([]*types.ProgressEntry, error)
	MaxProgressPercent(ctx context.Context, taskID int64) (*float64, error)

	RegisterArtifact(ctx context.Context, a *types.Artifact) (int64, error)
	ListArtifacts(ctx context.Context, filter types.ArtifactFilter) ([]*types.Artifact, error)
	GetArtifact(ctx context.Context, artifactID int64) (*types.Artifact, error)

	ListAgents(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close()
}

// ObjectBackend is the blob store behind the facade
type ObjectBackend interface {
	EnsureBuckets(ctx context.Context) error
	// Upload stores a blob. Re-uploading identical bytes to an existing
	// path is a no-op; different bytes at an existing path are a conflict.
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, objectPath string) ([]byte, error)
	Stat(ctx context.Context, bucket, objectPath string) (int64, error)
	PresignGet(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

// LogBackend is the append-only diagnostic log store behind the facade.
// Lifecycle (connect/disconnect) stays with the owner of the concrete
// store; the facade only appends and reads.
type LogBackend interface {
	AppendLog(ctx context.Context, entry *types.LogEntry) error
	RecentLogs(ctx context.Context, agentID string, taskID *int64, limit int) ([]*types.LogEntry, error)
	Ping(ctx context.Context) error
}
