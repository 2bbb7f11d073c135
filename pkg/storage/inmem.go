package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aivillage/hub/pkg/types"
)

// MemoryStore implements all three backends in process memory. It backs
// dev mode and the unit tests; the claim path holds the store lock for the
// whole select-and-assign step, preserving the at-most-once contract the
// Postgres backend gets from its row lock.
type MemoryStore struct {
	mu sync.Mutex

	tasks      map[int64]*types.Task
	progress   []*types.ProgressEntry
	artifacts  map[int64]*types.Artifact
	objects    map[string][]byte // "bucket/path" -> bytes
	logs       []*types.LogEntry
	nextTask   int64
	nextRow    int64
	nextObject int64
	nextLog    int64

	closed bool
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[int64]*types.Task),
		artifacts: make(map[int64]*types.Artifact),
		objects:   make(map[string][]byte),
	}
}

func copyTask(t *types.Task) *types.Task {
	c := *t
	return &c
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *types.Task) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTask++
	t := copyTask(task)
	t.ID = s.nextTask
	if t.Status == "" {
		t.Status = types.StatusPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return t.ID, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskID int64) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	return copyTask(t), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter types.TaskFilter) ([]*types.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*types.Task
	for _, t := range s.tasks {
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		matched = append(matched, copyTask(t))
	}
	sort.Slice(matched, func(i, j int) bool {
		if filter.Order == types.OrderAsc {
			if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].ID < matched[j].ID
			}
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID int64, status types.Status, agentID string, merge *types.TaskMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if t.Status != status && !t.Status.CanTransitionTo(status) {
		return fmt.Errorf("task %d: %s -> %s: %w", taskID, t.Status, status, ErrConflict)
	}
	t.Status = status
	if agentID != "" {
		t.AgentID = agentID
	}
	if merge != nil {
		t.Metadata.Merge(*merge)
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MergeTaskMetadata(ctx context.Context, taskID int64, merge types.TaskMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
	}
	if t.Status.IsTerminal() && !responseOnly(merge) {
		return fmt.Errorf("task %d is terminal: %w", taskID, ErrConflict)
	}
	t.Metadata.Merge(merge)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ClaimNextPending(ctx context.Context, agentID string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *types.Task
	for _, t := range s.tasks {
		if t.Status != types.StatusPending || t.AgentID != agentID {
			continue
		}
		if oldest == nil ||
			t.CreatedAt.Before(oldest.CreatedAt) ||
			(t.CreatedAt.Equal(oldest.CreatedAt) && t.ID < oldest.ID) {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = types.StatusAssigned
	oldest.AgentID = agentID
	oldest.UpdatedAt = time.Now().UTC()
	return copyTask(oldest), nil
}

func (s *MemoryStore) ResetStalled(ctx context.Context, grace time.Duration) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-grace)
	var ids []int64
	for _, t := range s.tasks {
		if t.Status != types.StatusAssigned && t.Status != types.StatusInProgress {
			continue
		}
		last := t.UpdatedAt
		for _, p := range s.progress {
			if p.TaskID == t.ID && p.Timestamp.After(last) {
				last = p.Timestamp
			}
		}
		if last.Before(cutoff) {
			t.Status = types.StatusPending
			t.UpdatedAt = time.Now().UTC()
			ids = append(ids, t.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) AppendProgress(ctx context.Context, entry *types.ProgressEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[entry.TaskID]; !ok {
		return 0, fmt.Errorf("task %d: %w", entry.TaskID, ErrNotFound)
	}
	s.nextRow++
	e := *entry
	e.ID = s.nextRow
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.progress = append(s.progress, &e)
	return e.ID, nil
}

func (s *MemoryStore) ListProgress(ctx context.Context, taskID int64, sinceID int64, limit int) ([]*types.ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var entries []*types.ProgressEntry
	for _, p := range s.progress {
		if p.TaskID != taskID || p.ID <= sinceID {
			continue
		}
		e := *p
		entries = append(entries, &e)
		if len(entries) >= limit {
			break
		}
	}
	return entries, nil
}

func (s *MemoryStore) TailProgress(ctx context.Context, taskID int64, limit int) ([]*types.ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var entries []*types.ProgressEntry
	for i := len(s.progress) - 1; i >= 0 && len(entries) < limit; i-- {
		p := s.progress[i]
		if p.TaskID != taskID {
			continue
		}
		e := *p
		entries = append(entries, &e)
	}
	// Collected newest-first; hand back append order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *MemoryStore) LatestProgress(ctx context.Context, agentID string, limit int) ([]*types.ProgressEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var entries []*types.ProgressEntry
	for i := len(s.progress) - 1; i >= 0 && len(entries) < limit; i-- {
		p := s.progress[i]
		if agentID != "" && p.AgentID != agentID {
			continue
		}
		e := *p
		entries = append(entries, &e)
	}
	return entries, nil
}

func (s *MemoryStore) MaxProgressPercent(ctx context.Context, taskID int64) (*float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max *float64
	for _, p := range s.progress {
		if p.TaskID != taskID || p.Percent == nil {
			continue
		}
		if max == nil || *p.Percent > *max {
			v := *p.Percent
			max = &v
		}
	}
	return max, nil
}

func (s *MemoryStore) RegisterArtifact(ctx context.Context, a *types.Artifact) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.artifacts {
		if existing.ObjectPath == a.ObjectPath {
			return 0, fmt.Errorf("object path %q: %w", a.ObjectPath, ErrConflict)
		}
	}
	s.nextObject++
	c := *a
	c.ID = s.nextObject
	if c.UploadedAt.IsZero() {
		c.UploadedAt = time.Now().UTC()
	}
	s.artifacts[c.ID] = &c
	a.ID = c.ID
	return c.ID, nil
}

func (s *MemoryStore) GetArtifact(ctx context.Context, artifactID int64) (*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.artifacts[artifactID]
	if !ok {
		return nil, fmt.Errorf("artifact %d: %w", artifactID, ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) ListArtifacts(ctx context.Context, filter types.ArtifactFilter) ([]*types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*types.Artifact
	for _, a := range s.artifacts {
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if filter.TaskID != nil && (a.TaskID == nil || *a.TaskID != *filter.TaskID) {
			continue
		}
		if filter.Bucket != "" && a.Bucket != filter.Bucket {
			continue
		}
		c := *a
		matched = append(matched, &c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, t := range s.tasks {
		seen[t.AgentID] = true
	}
	agents := make([]string, 0, len(seen))
	for id := range seen {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	return agents, nil
}

// Object backend

func (s *MemoryStore) EnsureBuckets(ctx context.Context) error { return nil }

func (s *MemoryStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucket + "/" + objectPath
	if existing, ok := s.objects[key]; ok {
		if bytes.Equal(existing, data) {
			return nil
		}
		return fmt.Errorf("object %s already exists with different content: %w", key, ErrConflict)
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[bucket+"/"+objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, objectPath, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, objectPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[bucket+"/"+objectPath]
	if !ok {
		return 0, fmt.Errorf("object %s/%s: %w", bucket, objectPath, ErrNotFound)
	}
	return int64(len(data)), nil
}

func (s *MemoryStore) PresignGet(ctx context.Context, bucket, objectPath string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[bucket+"/"+objectPath]; !ok {
		return "", fmt.Errorf("object %s/%s: %w", bucket, objectPath, ErrNotFound)
	}
	expires := time.Now().Add(ttl).Unix()
	return "memory://" + bucket + "/" + objectPath + "?expires=" + strconv.FormatInt(expires, 10), nil
}

// Log backend

func (s *MemoryStore) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLog++
	e := *entry
	e.ID = strconv.FormatInt(s.nextLog, 10)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.logs = append(s.logs, &e)
	entry.ID = e.ID
	return nil
}

func (s *MemoryStore) RecentLogs(ctx context.Context, agentID string, taskID *int64, limit int) ([]*types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var entries []*types.LogEntry
	for i := len(s.logs) - 1; i >= 0 && len(entries) < limit; i-- {
		l := s.logs[i]
		if agentID != "" && l.AgentID != agentID {
			continue
		}
		if taskID != nil && (l.TaskID == nil || *l.TaskID != *taskID) {
			continue
		}
		e := *l
		entries = append(entries, &e)
	}
	return entries, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
