package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivillage/hub/pkg/types"
)

func newTestFacade() *Facade {
	mem := NewMemoryStore()
	return NewFacade(mem, mem, mem)
}

func ptr(v float64) *float64 { return &v }

func TestCreateAndGetTask(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, err := f.CreateTask(ctx, "Agent1-CUA", "", "print hello", types.TaskMetadata{})
	require.NoError(t, err)

	task, err := f.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "agent1", task.AgentID, "agent id is normalized at ingress")
	assert.Equal(t, "print hello", task.Title)
	assert.Equal(t, "print hello", task.Description)
	assert.Equal(t, types.StatusPending, task.Status)
}

func TestCreateTaskRejectsEmptyDescription(t *testing.T) {
	f := newTestFacade()
	_, err := f.CreateTask(context.Background(), "agent1", "t", "   ", types.TaskMetadata{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTailProgressReturnsNewestRowsInAppendOrder(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, err := f.CreateTask(ctx, "agent1", "t", "long runner", types.TaskMetadata{})
	require.NoError(t, err)
	for _, msg := range []string{"step 1", "step 2", "step 3", "step 4", "step 5"} {
		_, err := f.AppendProgress(ctx, id, "agent1", nil, msg, nil)
		require.NoError(t, err)
	}

	rows, err := f.TailProgress(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "step 3", rows[0].Message)
	assert.Equal(t, "step 4", rows[1].Message)
	assert.Equal(t, "step 5", rows[2].Message)

	// Short histories come back whole.
	all, err := f.TailProgress(ctx, id, 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestUpdateTaskStatusEnforcesStateMachine(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, err := f.CreateTask(ctx, "agent1", "t", "d", types.TaskMetadata{})
	require.NoError(t, err)

	// pending -> completed is not a legal edge
	err = f.UpdateTaskStatus(ctx, id, types.StatusCompleted, "", nil)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, f.UpdateTaskStatus(ctx, id, types.StatusAssigned, "agent1", nil))
	require.NoError(t, f.UpdateTaskStatus(ctx, id, types.StatusInProgress, "", nil))
	require.NoError(t, f.UpdateTaskStatus(ctx, id, types.StatusCompleted, "", &types.TaskMetadata{Response: "ok"}))

	// Terminal: no further transitions.
	err = f.UpdateTaskStatus(ctx, id, types.StatusPending, "", nil)
	assert.ErrorIs(t, err, ErrConflict)

	task, err := f.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ok", task.Metadata.Response)
}

func TestMergeTaskMetadataOnTerminalTask(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, _ := f.CreateTask(ctx, "agent1", "t", "d", types.TaskMetadata{})
	require.NoError(t, f.UpdateTaskStatus(ctx, id, types.StatusCancelled, "", nil))

	// Response edits stay allowed after the terminal write...
	now := time.Now().UTC()
	err := f.MergeTaskMetadata(ctx, id, types.TaskMetadata{Response: "late result", ResponseUpdatedAt: &now})
	assert.NoError(t, err)

	// ...anything else is refused.
	err = f.MergeTaskMetadata(ctx, id, types.TaskMetadata{Extra: map[string]any{"cancel_requested": true}})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClaimNextPendingOrderAndOwnership(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	first, _ := f.CreateTask(ctx, "agent1", "a", "first", types.TaskMetadata{})
	second, _ := f.CreateTask(ctx, "agent1", "b", "second", types.TaskMetadata{})
	_, _ = f.CreateTask(ctx, "agent2", "c", "other agent", types.TaskMetadata{})

	task, err := f.ClaimNextPending(ctx, "agent1-cua")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first, task.ID, "oldest task wins")
	assert.Equal(t, types.StatusAssigned, task.Status)
	assert.Equal(t, "agent1", task.AgentID)

	task, err = f.ClaimNextPending(ctx, "agent1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, second, task.ID)

	task, err = f.ClaimNextPending(ctx, "agent1")
	require.NoError(t, err)
	assert.Nil(t, task, "agent2's task is invisible to agent1")
}

func TestAppendProgressValidatesPercent(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, _ := f.CreateTask(ctx, "agent1", "t", "d", types.TaskMetadata{})

	_, err := f.AppendProgress(ctx, id, "agent1", ptr(150), "too much", nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.AppendProgress(ctx, id, "agent1", ptr(0), "task picked up", nil)
	require.NoError(t, err)
	_, err = f.AppendProgress(ctx, id, "agent1", nil, "working...", nil)
	require.NoError(t, err)
	_, err = f.AppendProgress(ctx, id, "agent1", ptr(100), "completed", nil)
	require.NoError(t, err)

	rows, err := f.ListProgress(ctx, id, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i := 1; i < len(rows); i++ {
		assert.Greater(t, rows[i].ID, rows[i-1].ID, "progress ids strictly increase")
		assert.False(t, rows[i].Timestamp.Before(rows[i-1].Timestamp), "timestamps non-decreasing")
	}

	max, err := f.MaxProgressPercent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, max)
	assert.Equal(t, 100.0, *max)
}

func TestUploadArtifactPathPolicy(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, _ := f.CreateTask(ctx, "agent1", "t", "d", types.TaskMetadata{})

	tests := []struct {
		name    string
		bucket  string
		path    string
		wantErr error
	}{
		{"ok", BucketScreenshots, "agent1/shot.png", nil},
		{"unknown bucket", "videos", "agent1/x.png", ErrValidation},
		{"outside namespace", BucketScreenshots, "agent2/x.png", ErrValidation},
		{"re-prefixed bucket", BucketScreenshots, "agent1/screenshots/x.png", ErrValidation},
		{"empty path", BucketScreenshots, "", ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &types.Artifact{AgentID: "agent1-cua", TaskID: &id, Bucket: tt.bucket, ObjectPath: tt.path}
			_, err := f.UploadArtifact(ctx, a, []byte("png-bytes"))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			// Referential integrity: the metadata row's blob is readable.
			data, err := f.GetObject(ctx, tt.bucket, tt.path)
			require.NoError(t, err)
			assert.Equal(t, []byte("png-bytes"), data)
		})
	}
}

func TestUploadArtifactIdempotentReplay(t *testing.T) {
	f := newTestFacade()
	mem := f.objects
	ctx := context.Background()

	require.NoError(t, mem.Upload(ctx, BucketScreenshots, "agent1/a.png", []byte("same"), "image/png"))
	assert.NoError(t, mem.Upload(ctx, BucketScreenshots, "agent1/a.png", []byte("same"), "image/png"),
		"identical replay is a no-op")
	assert.ErrorIs(t, mem.Upload(ctx, BucketScreenshots, "agent1/a.png", []byte("different"), "image/png"),
		ErrConflict)
}

func TestResetStalledAppendsRecoveryProgress(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	id, _ := f.CreateTask(ctx, "agent1", "t", "d", types.TaskMetadata{})
	claimed, err := f.ClaimNextPending(ctx, "agent1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	// Grace of zero: the freshly claimed task is immediately stale.
	time.Sleep(5 * time.Millisecond)
	ids, err := f.ResetStalled(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, ids)

	task, err := f.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, task.Status)

	rows, err := f.ListProgress(ctx, id, 0, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, RecoveredMessage, rows[len(rows)-1].Message)

	// Terminal tasks are never reset.
	claimed, err = f.ClaimNextPending(ctx, "agent1")
	require.NoError(t, err)
	require.NoError(t, f.UpdateTaskStatus(ctx, claimed.ID, types.StatusInProgress, "", nil))
	require.NoError(t, f.UpdateTaskStatus(ctx, claimed.ID, types.StatusCompleted, "", nil))
	time.Sleep(5 * time.Millisecond)
	ids, err = f.ResetStalled(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestObjectName(t *testing.T) {
	name := ObjectName("Agent2-CUA", "png")
	assert.True(t, len(name) > len("agent2/"), "uuid appended")
	assert.Equal(t, "agent2/", name[:7])
	assert.Equal(t, ".png", name[len(name)-4:])
}

func TestAppendLogValidatesLevel(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	err := f.AppendLog(ctx, &types.LogEntry{AgentID: "agent1", Level: "verbose", Message: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, f.AppendLog(ctx, &types.LogEntry{AgentID: "agent1-cua", Level: types.LogInfo, Message: "started"}))
	logs, err := f.RecentLogs(ctx, "agent1", nil, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "agent1", logs[0].AgentID)
	assert.False(t, logs[0].CreatedAt.IsZero())
}
