package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aivillage/hub/pkg/types"
)

// RecoveredMessage is the progress message appended when the sweeper
// returns a stalled task to pending.
const RecoveredMessage = "recovered from stalled worker"

// Facade implements Store over the three concrete backends. All agent ids
// are normalized at this boundary; everything below only sees the
// canonical form.
type Facade struct {
	tasks   TaskBackend
	objects ObjectBackend
	logs    LogBackend
}

// NewFacade wires the backends into a single storage surface
func NewFacade(tasks TaskBackend, objects ObjectBackend, logs LogBackend) *Facade {
	return &Facade{tasks: tasks, objects: objects, logs: logs}
}

// ObjectName builds an object path under the agent's namespace:
// <normalized_agent_id>/<uuid><ext>. The bucket already scopes the
// category, so the path is never re-prefixed with the bucket name.
func ObjectName(agentID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return types.NormalizeAgentID(agentID) + "/" + uuid.NewString() + ext
}

// CreateTask inserts a pending task and returns its id
func (f *Facade) CreateTask(ctx context.Context, agentID, title, description string, meta types.TaskMetadata) (int64, error) {
	if strings.TrimSpace(description) == "" {
		return 0, fmt.Errorf("description must not be empty: %w", ErrValidation)
	}
	if title == "" {
		title = types.TitleFromText(description)
	}
	task := &types.Task{
		AgentID:     types.NormalizeAgentID(agentID),
		Title:       title,
		Description: description,
		Status:      types.StatusPending,
		Metadata:    meta,
	}
	return f.tasks.CreateTask(ctx, task)
}

// GetTask fetches a task by id
func (f *Facade) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	return f.tasks.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter plus the total match count
func (f *Facade) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", filter.Status, ErrValidation)
	}
	if filter.AgentID != "" {
		filter.AgentID = types.NormalizeAgentID(filter.AgentID)
	}
	return f.tasks.ListTasks(ctx, filter)
}

// UpdateTaskStatus transitions a task, refusing edges outside the state machine
func (f *Facade) UpdateTaskStatus(ctx context.Context, taskID int64, status types.Status, agentID string, merge *types.TaskMetadata) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, ErrValidation)
	}
	if agentID != "" {
		agentID = types.NormalizeAgentID(agentID)
	}
	return f.tasks.UpdateTaskStatus(ctx, taskID, status, agentID, merge)
}

// MergeTaskMetadata merges metadata keys without changing status
func (f *Facade) MergeTaskMetadata(ctx context.Context, taskID int64, merge types.TaskMetadata) error {
	return f.tasks.MergeTaskMetadata(ctx, taskID, merge)
}

// ClaimNextPending atomically claims the oldest pending task for the agent.
// Returns (nil, nil) when the agent's queue is empty.
func (f *Facade) ClaimNextPending(ctx context.Context, agentID string) (*types.Task, error) {
	return f.tasks.ClaimNextPending(ctx, types.NormalizeAgentID(agentID))
}

// ResetStalled sweeps claimed tasks with no progress inside the grace
// interval back to pending, appending a recovery progress row to each.
// Run on worker startup and periodically by the hub.
func (f *Facade) ResetStalled(ctx context.Context, grace time.Duration) ([]int64, error) {
	ids, err := f.tasks.ResetStalled(ctx, grace)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		task, err := f.tasks.GetTask(ctx, id)
		if err != nil {
			continue
		}
		entry := &types.ProgressEntry{TaskID: id, AgentID: task.AgentID, Message: RecoveredMessage}
		if _, err := f.tasks.AppendProgress(ctx, entry); err != nil {
			return ids, fmt.Errorf("append recovery progress for task %d: %w", id, err)
		}
	}
	return ids, nil
}

// AppendProgress appends one progress row for a task
func (f *Facade) AppendProgress(ctx context.Context, taskID int64, agentID string, percent *float64, message string, data map[string]any) (int64, error) {
	if percent != nil && (*percent < 0 || *percent > 100) {
		return 0, fmt.Errorf("progress percent %v out of range: %w", *percent, ErrValidation)
	}
	entry := &types.ProgressEntry{
		TaskID:  taskID,
		AgentID: types.NormalizeAgentID(agentID),
		Percent: percent,
		Message: message,
		Data:    data,
	}
	return f.tasks.AppendProgress(ctx, entry)
}

// ListProgress returns a task's progress rows in append order
func (f *Facade) ListProgress(ctx context.Context, taskID int64, sinceID int64, limit int) ([]*types.ProgressEntry, error) {
	return f.tasks.ListProgress(ctx, taskID, sinceID, limit)
}

// TailProgress returns the task's last rows in append order
func (f *Facade) TailProgress(ctx context.Context, taskID int64, limit int) ([]*types.ProgressEntry, error) {
	return f.tasks.TailProgress(ctx, taskID, limit)
}

// LatestProgress returns the newest progress rows across tasks
func (f *Facade) LatestProgress(ctx context.Context, agentID string, limit int) ([]*types.ProgressEntry, error) {
	if agentID != "" {
		agentID = types.NormalizeAgentID(agentID)
	}
	return f.tasks.LatestProgress(ctx, agentID, limit)
}

// MaxProgressPercent returns the highest percent reported for a task
func (f *Facade) MaxProgressPercent(ctx context.Context, taskID int64) (*float64, error) {
	return f.tasks.MaxProgressPercent(ctx, taskID)
}

// UploadArtifact stores the blob and then registers its metadata row, in
// that order: a metadata row must never point at a missing blob, while an
// orphaned blob is tolerated and picked up by reconciliation.
func (f *Facade) UploadArtifact(ctx context.Context, a *types.Artifact, data []byte) (int64, error) {
	if a.Bucket != BucketScreenshots && a.Bucket != BucketBinaries {
		return 0, fmt.Errorf("unknown bucket %q: %w", a.Bucket, ErrValidation)
	}
	a.AgentID = types.NormalizeAgentID(a.AgentID)
	if a.ObjectPath == "" {
		return 0, fmt.Errorf("object path must not be empty: %w", ErrValidation)
	}
	if !strings.HasPrefix(a.ObjectPath, a.AgentID+"/") {
		return 0, fmt.Errorf("object path %q outside agent namespace %q: %w", a.ObjectPath, a.AgentID, ErrValidation)
	}
	if strings.HasPrefix(a.ObjectPath, a.Bucket+"/") || strings.Contains(a.ObjectPath, "/"+a.Bucket+"/") {
		// The bucket name must not reappear inside the path.
		return 0, fmt.Errorf("object path %q re-prefixes bucket %q: %w", a.ObjectPath, a.Bucket, ErrValidation)
	}
	a.SizeBytes = int64(len(data))
	if a.ContentType == "" {
		a.ContentType = contentTypeFor(a.ObjectPath)
	}

	if err := f.objects.Upload(ctx, a.Bucket, a.ObjectPath, data, a.ContentType); err != nil {
		return 0, err
	}
	return f.tasks.RegisterArtifact(ctx, a)
}

// ListArtifacts returns artifact metadata rows matching the filter
func (f *Facade) ListArtifacts(ctx context.Context, filter types.ArtifactFilter) ([]*types.Artifact, error) {
	if filter.AgentID != "" {
		filter.AgentID = types.NormalizeAgentID(filter.AgentID)
	}
	return f.tasks.ListArtifacts(ctx, filter)
}

// GetArtifact fetches one artifact metadata row
func (f *Facade) GetArtifact(ctx context.Context, artifactID int64) (*types.Artifact, error) {
	return f.tasks.GetArtifact(ctx, artifactID)
}

// GetObject reads a blob from the object store
func (f *Facade) GetObject(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	return f.objects.Get(ctx, bucket, objectPath)
}

// PresignGet returns a time-limited download URL for a blob
func (f *Facade) PresignGet(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error) {
	return f.objects.PresignGet(ctx, bucket, objectPath, ttl)
}

// AppendLog writes one diagnostic entry to the log store
func (f *Facade) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	if !entry.Level.Valid() {
		return fmt.Errorf("unknown log level %q: %w", entry.Level, ErrValidation)
	}
	entry.AgentID = types.NormalizeAgentID(entry.AgentID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return f.logs.AppendLog(ctx, entry)
}

// RecentLogs returns the newest diagnostic entries
func (f *Facade) RecentLogs(ctx context.Context, agentID string, taskID *int64, limit int) ([]*types.LogEntry, error) {
	if agentID != "" {
		agentID = types.NormalizeAgentID(agentID)
	}
	return f.logs.RecentLogs(ctx, agentID, taskID, limit)
}

// ListAgents returns the distinct agent ids known to the task store
func (f *Facade) ListAgents(ctx context.Context) ([]string, error) {
	return f.tasks.ListAgents(ctx)
}

// contentTypeFor guesses a MIME type from the object path extension
func contentTypeFor(objectPath string) string {
	switch strings.ToLower(path.Ext(objectPath)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
