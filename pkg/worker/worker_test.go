package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aivillage/hub/pkg/executor"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeDriver struct {
	run func(ctx context.Context, taskText, workdir string, timeout time.Duration) (*executor.Result, error)
}

func (d *fakeDriver) Run(ctx context.Context, taskText, workdir string, timeout time.Duration) (*executor.Result, error) {
	return d.run(ctx, taskText, workdir, timeout)
}

func newTestWorker(t *testing.T, driver executor.Driver) (*Worker, storage.Store) {
	t.Helper()
	return newTestWorkerWithConfig(t, Config{}, driver)
}

func newTestWorkerWithConfig(t *testing.T, cfg Config, driver executor.Driver) (*Worker, storage.Store) {
	t.Helper()
	mem := storage.NewMemoryStore()
	store := storage.NewFacade(mem, mem, mem)
	if cfg.AgentID == "" {
		cfg.AgentID = "agent1"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 2 * time.Second
	}
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = t.TempDir()
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 20 * time.Millisecond
	}
	w, err := New(cfg, store, driver, nil)
	require.NoError(t, err)
	return w, store
}

func TestStepCompletesTask(t *testing.T) {
	driver := &fakeDriver{
		run: func(_ context.Context, taskText, workdir string, _ time.Duration) (*executor.Result, error) {
			require.NoError(t, os.WriteFile(filepath.Join(workdir, "screenshots", "shot1.png"), []byte("png"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(workdir, "screenshots", "empty.png"), nil, 0o644))
			return &executor.Result{
				Stdout:   "setup\nAGENT_RESPONSE_START\ndone: " + taskText + "\nAGENT_RESPONSE_END\n",
				ExitCode: 0,
				Duration: 50 * time.Millisecond,
			}, nil
		},
	}
	w, store := newTestWorker(t, driver)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "agent1", "", "open the calculator", types.TaskMetadata{})
	require.NoError(t, err)

	require.NoError(t, w.step(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, "done: open the calculator", task.Metadata.Response)
	assert.Equal(t, "agent1", task.Metadata.LastAgent)
	require.NotNil(t, task.Metadata.ResponseUpdatedAt)
	assert.EqualValues(t, 1, task.Metadata.Result["artifacts_uploaded"])

	// Zero-byte screenshot skipped; one artifact row, blob retrievable.
	artifacts, err := store.ListArtifacts(ctx, types.ArtifactFilter{AgentID: "agent1"})
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	data, err := store.GetObject(ctx, artifacts[0].Bucket, artifacts[0].ObjectPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	rows, err := store.ListProgress(ctx, id, 0, 50)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	first, last := rows[0], rows[len(rows)-1]
	assert.Equal(t, "task picked up", first.Message)
	assert.Equal(t, "completed", last.Message)
	require.NotNil(t, last.Percent)
	assert.Equal(t, 100.0, *last.Percent)
}

func TestStepNoPendingTaskIsNoop(t *testing.T) {
	w, _ := newTestWorker(t, &fakeDriver{})
	assert.NoError(t, w.step(context.Background()))
}

func TestStepDriverTimeoutFailsTask(t *testing.T) {
	driver := &fakeDriver{
		run: func(_ context.Context, _, _ string, timeout time.Duration) (*executor.Result, error) {
			return &executor.Result{Stdout: "partial"}, executor.ErrTimeout
		},
	}
	w, store := newTestWorker(t, driver)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, "agent1", "t", "slow task", types.TaskMetadata{})
	require.NoError(t, w.step(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Contains(t, task.Metadata.Result["error"], "timeout")

	rows, _ := store.ListProgress(ctx, id, 0, 50)
	last := rows[len(rows)-1]
	assert.Contains(t, last.Message, "failed: timeout")
	require.NotNil(t, last.Percent)
	assert.Equal(t, 100.0, *last.Percent)
}

func TestStepDriverErrorKindInResult(t *testing.T) {
	driver := &fakeDriver{
		run: func(_ context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			return &executor.Result{Stderr: "boom", ExitCode: 3},
				&executor.ExecError{Kind: executor.KindDriverRuntime, Err: assert.AnError}
		},
	}
	w, store := newTestWorker(t, driver)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, "agent1", "t", "broken task", types.TaskMetadata{})
	require.NoError(t, w.step(ctx))

	task, _ := store.GetTask(ctx, id)
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, "driver_runtime", task.Metadata.Result["error_kind"])
}

func TestStepCancellationMidRun(t *testing.T) {
	driver := &fakeDriver{
		run: func(ctx context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			<-ctx.Done()
			return &executor.Result{Stdout: "interrupted"}, ctx.Err()
		},
	}
	w, store := newTestWorker(t, driver)
	ctx := context.Background()

	id, _ := store.CreateTask(ctx, "agent1", "t", "long task", types.TaskMetadata{})

	// Flag the task for cancellation before the pump's first tick.
	require.NoError(t, store.MergeTaskMetadata(ctx, id, types.TaskMetadata{
		Extra: map[string]any{MetaKeyCancelRequested: true},
	}))

	require.NoError(t, w.step(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, task.Status)
	assert.Equal(t, "cancelled", task.Metadata.Result["error"])
}

func TestHeartbeatCarriesLastKnownPercent(t *testing.T) {
	driver := &fakeDriver{
		run: func(_ context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			time.Sleep(100 * time.Millisecond)
			return &executor.Result{Stdout: "done"}, nil
		},
	}
	w, store := newTestWorker(t, driver)
	ctx := context.Background()

	id, err := store.CreateTask(ctx, "agent1", "t", "resumed task", types.TaskMetadata{})
	require.NoError(t, err)

	// Progress from an earlier run of this task, before the sweeper
	// returned it to pending.
	fifty := 50.0
	_, err = store.AppendProgress(ctx, id, "agent1", &fifty, "halfway there", nil)
	require.NoError(t, err)

	require.NoError(t, w.step(ctx))

	rows, err := store.ListProgress(ctx, id, 0, 50)
	require.NoError(t, err)
	var beat *types.ProgressEntry
	for _, row := range rows {
		if row.Message == "working..." {
			beat = row
		}
	}
	require.NotNil(t, beat, "expected at least one heartbeat row")
	require.NotNil(t, beat.Percent)
	assert.Equal(t, 50.0, *beat.Percent)
}

func TestShutdownGraceLetsTaskFinish(t *testing.T) {
	driver := &fakeDriver{
		run: func(_ context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			time.Sleep(80 * time.Millisecond)
			return &executor.Result{Stdout: "AGENT_RESPONSE_START\nok\nAGENT_RESPONSE_END"}, nil
		},
	}
	w, store := newTestWorkerWithConfig(t, Config{ShutdownGrace: time.Second}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := store.CreateTask(ctx, "agent1", "t", "almost done", types.TaskMetadata{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == types.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	// Stop signal mid-run: the driver keeps the grace window and the task
	// finalizes normally.
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, "ok", task.Metadata.Response)
}

func TestShutdownGraceExpiryFailsTaskAsShutdown(t *testing.T) {
	driver := &fakeDriver{
		run: func(ctx context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			<-ctx.Done()
			return &executor.Result{Stdout: "partial"}, ctx.Err()
		},
	}
	w, store := newTestWorkerWithConfig(t, Config{ShutdownGrace: 30 * time.Millisecond}, driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := store.CreateTask(ctx, "agent1", "t", "stuck task", types.TaskMetadata{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, err := store.GetTask(context.Background(), id)
		return err == nil && task.Status == types.StatusInProgress
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	task, err := store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, task.Status)
	assert.Equal(t, "shutdown", task.Metadata.Result["error"])

	rows, err := store.ListProgress(context.Background(), id, 0, 50)
	require.NoError(t, err)
	assert.Equal(t, "failed: shutdown", rows[len(rows)-1].Message)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _ := newTestWorker(t, &fakeDriver{
		run: func(_ context.Context, _, _ string, _ time.Duration) (*executor.Result, error) {
			return &executor.Result{}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.Error(t, err)

	w, err := New(Config{AgentID: "Agent3-CUA"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "agent3", w.cfg.AgentID)
	assert.Equal(t, 5*time.Second, w.cfg.PollInterval)
	assert.Equal(t, 300*time.Second, w.cfg.TaskTimeout)
}
