package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aivillage/hub/pkg/events"
	"github.com/aivillage/hub/pkg/executor"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/metrics"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/types"
)

const (
	// DefaultHeartbeat is the progress pump interval while a driver runs.
	DefaultHeartbeat = 10 * time.Second

	// DefaultShutdownGrace is how long an in-flight task may keep running
	// after the worker receives a stop signal before the driver is
	// force-cancelled.
	DefaultShutdownGrace = 60 * time.Second

	// terminalRetries bounds the retry loop around the terminal status write.
	terminalRetries = 3

	// logTail bounds driver output persisted to the log store.
	logTail = 8 * 1024
)

// MetaKeyCancelRequested is the metadata flag the hub sets to ask a running
// worker to abandon a task.
const MetaKeyCancelRequested = "cancel_requested"

// Config holds one agent loop's configuration
type Config struct {
	AgentID       string
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	StaleGrace    time.Duration
	WorkdirRoot   string
	Heartbeat     time.Duration
	ShutdownGrace time.Duration
}

// Worker is one agent's long-running claim/execute loop
type Worker struct {
	cfg    Config
	store  storage.Store
	driver executor.Driver
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a worker for one agent. broker may be nil.
func New(cfg Config, store storage.Store, driver executor.Driver, broker *events.Broker) (*Worker, error) {
	cfg.AgentID = types.NormalizeAgentID(cfg.AgentID)
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.WorkdirRoot == "" {
		cfg.WorkdirRoot = os.TempDir()
	}
	return &Worker{
		cfg:    cfg,
		store:  store,
		driver: driver,
		broker: broker,
		logger: log.WithComponent("worker").With().Str("agent_id", cfg.AgentID).Logger(),
	}, nil
}

// Run polls for tasks until ctx is cancelled. A task already being executed
// when ctx fires is finalized before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Dur("task_timeout", w.cfg.TaskTimeout).
		Msg("worker started")
	w.publish(events.EventAgentStarted, 0, "worker started")
	defer w.publish(events.EventAgentStopped, 0, "worker stopped")

	// Tasks this agent abandoned in a previous life go back to pending.
	if ids, err := w.store.ResetStalled(ctx, w.cfg.StaleGrace); err != nil {
		w.logger.Warn().Err(err).Msg("startup stalled-task sweep failed")
	} else if len(ids) > 0 {
		w.logger.Info().Ints64("task_ids", ids).Msg("recovered stalled tasks on startup")
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.step(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Msg("poll step failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step claims and fully processes at most one task
func (w *Worker) step(ctx context.Context) error {
	timer := metrics.NewTimer()
	task, err := w.store.ClaimNextPending(ctx, w.cfg.AgentID)
	timer.ObserveDuration(metrics.ClaimLatency)
	if err != nil {
		return fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return nil
	}
	metrics.TasksClaimed.WithLabelValues(w.cfg.AgentID).Inc()

	logger := w.logger.With().Int64("task_id", task.ID).Logger()
	logger.Info().Str("title", task.Title).Msg("claimed task")
	w.publish(events.EventTaskClaimed, task.ID, task.Title)

	w.runTask(ctx, logger, task)
	return nil
}

// runTask drives one claimed task from Preparing through Finalize
func (w *Worker) runTask(ctx context.Context, logger zerolog.Logger, task *types.Task) {
	workdir, err := w.prepareWorkdir(task.ID)
	if err != nil {
		// Infra failure before execution: leave the task assigned for the
		// stalled-task sweep to reclaim.
		logger.Error().Err(err).Msg("workdir preparation failed, leaving task assigned")
		return
	}

	if err := w.store.UpdateTaskStatus(ctx, task.ID, types.StatusInProgress, w.cfg.AgentID, nil); err != nil {
		logger.Error().Err(err).Msg("could not mark task in_progress")
		return
	}
	zero := 0.0
	if err := w.appendProgress(ctx, task.ID, &zero, "task picked up", nil); err != nil {
		logger.Warn().Err(err).Msg("initial progress append failed")
	}

	res, runErr := w.execute(ctx, logger, task, workdir)

	// Terminal writes must land even when ctx fired mid-task (process
	// shutdown); the claim would otherwise dangle until the sweep.
	finCtx := context.WithoutCancel(ctx)
	uploaded := w.uploadScreenshots(finCtx, logger, task.ID, workdir)
	w.persistDriverOutput(finCtx, task.ID, res)

	w.finalize(finCtx, logger, task, res, runErr, uploaded)
}

// execute invokes the driver with the progress pump running alongside. The
// pump heartbeats the last known percent and watches for an external cancel
// request; at most one progress append is in flight at a time.
//
// The driver context is decoupled from loop shutdown: a stop signal lets
// the in-flight task keep running up to ShutdownGrace before the driver is
// cancelled. The task timeout is enforced by the driver itself either way.
func (w *Worker) execute(ctx context.Context, logger zerolog.Logger, task *types.Task, workdir string) (*executor.Result, error) {
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	lastPercent := 0.0
	if p, err := w.store.MaxProgressPercent(runCtx, task.ID); err == nil && p != nil {
		lastPercent = *p
	}

	var (
		res    *executor.Result
		runErr error
	)

	g, pumpCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		res, runErr = w.driver.Run(runCtx, task.Description, workdir, w.cfg.TaskTimeout)
		cancelRun()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-pumpCtx.Done():
				return nil
			case <-ticker.C:
			}
			if w.cancelRequested(pumpCtx, task.ID) {
				logger.Info().Msg("cancellation requested, signalling driver")
				cancelRun()
				return nil
			}
			percent := lastPercent
			if err := w.appendProgress(pumpCtx, task.ID, &percent, "working...", nil); err != nil {
				logger.Warn().Err(err).Msg("heartbeat progress append failed")
			}
			w.publish(events.EventTaskProgress, task.ID, "heartbeat")
		}
	})
	g.Go(func() error {
		select {
		case <-pumpCtx.Done():
		case <-ctx.Done():
			logger.Info().Dur("grace", w.cfg.ShutdownGrace).Msg("shutdown requested, draining current task")
			select {
			case <-pumpCtx.Done():
			case <-time.After(w.cfg.ShutdownGrace):
				cancelRun()
			}
		}
		return nil
	})
	_ = g.Wait()

	return res, runErr
}

func (w *Worker) appendProgress(ctx context.Context, taskID int64, percent *float64, message string, details map[string]any) error {
	_, err := w.store.AppendProgress(ctx, taskID, w.cfg.AgentID, percent, message, details)
	if err == nil {
		metrics.ProgressRows.Inc()
	}
	return err
}

// cancelRequested reports whether the task was cancelled out from under the
// worker, either by direct status change or by the metadata flag.
func (w *Worker) cancelRequested(ctx context.Context, taskID int64) bool {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	if task.Status == types.StatusCancelled {
		return true
	}
	flag, ok := task.Metadata.Extra[MetaKeyCancelRequested].(bool)
	return ok && flag
}

// finalize merges the response into metadata, appends the terminal progress
// row, and writes the terminal status with bounded retries.
func (w *Worker) finalize(ctx context.Context, logger zerolog.Logger, task *types.Task, res *executor.Result, runErr error, uploaded int) {
	now := time.Now().UTC()
	status := types.StatusCompleted
	message := "completed"
	result := map[string]any{"artifacts_uploaded": uploaded}
	if res != nil {
		result["exit_code"] = res.ExitCode
		result["duration_ms"] = res.Duration.Milliseconds()
	}

	cancelled := w.cancelRequested(ctx, task.ID)
	switch {
	case cancelled:
		status = types.StatusCancelled
		message = "failed: cancelled"
		result["error"] = "cancelled"
	case errors.Is(runErr, context.Canceled):
		status = types.StatusFailed
		message = "failed: shutdown"
		result["error"] = "shutdown"
	case errors.Is(runErr, executor.ErrTimeout):
		status = types.StatusFailed
		message = fmt.Sprintf("failed: timeout after %s", w.cfg.TaskTimeout)
		result["error"] = fmt.Sprintf("driver timeout after %s", w.cfg.TaskTimeout)
	case runErr != nil:
		status = types.StatusFailed
		var execErr *executor.ExecError
		if errors.As(runErr, &execErr) {
			message = "failed: " + execErr.Kind
			result["error"] = execErr.Error()
			result["error_kind"] = execErr.Kind
		} else {
			message = "failed: driver error"
			result["error"] = runErr.Error()
		}
	}

	response := ""
	if res != nil {
		response = executor.ExtractResponse(res.Stdout)
	}
	merge := &types.TaskMetadata{
		Response:          response,
		ResponseUpdatedAt: &now,
		LastAgent:         w.cfg.AgentID,
		Result:            result,
	}

	hundred := 100.0
	if err := w.appendProgress(ctx, task.ID, &hundred, message, nil); err != nil {
		logger.Warn().Err(err).Msg("terminal progress append failed")
	}

	var err error
	for attempt := 0; attempt < terminalRetries; attempt++ {
		if err = w.store.UpdateTaskStatus(ctx, task.ID, status, w.cfg.AgentID, merge); err == nil {
			break
		}
		if errors.Is(err, storage.ErrConflict) {
			// Someone else already moved the task terminal (e.g. an admin
			// cancel landed first). The response edit still goes through.
			if mergeErr := w.store.MergeTaskMetadata(ctx, task.ID, types.TaskMetadata{Response: response, ResponseUpdatedAt: &now}); mergeErr != nil {
				logger.Warn().Err(mergeErr).Msg("late response merge failed")
			}
			err = nil
			break
		}
		time.Sleep(time.Duration(1<<attempt) * 250 * time.Millisecond)
	}
	if err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("terminal status write failed after retries")
		return
	}

	metrics.TasksFinished.WithLabelValues(w.cfg.AgentID, string(status)).Inc()
	if res != nil {
		metrics.DriverDuration.WithLabelValues(w.cfg.AgentID).Observe(res.Duration.Seconds())
	}
	logger.Info().Str("status", string(status)).Int("artifacts", uploaded).Msg("task finalized")
	switch status {
	case types.StatusCompleted:
		w.publish(events.EventTaskCompleted, task.ID, message)
	case types.StatusCancelled:
		w.publish(events.EventTaskCancelled, task.ID, message)
	default:
		w.publish(events.EventTaskFailed, task.ID, message)
	}
}

// prepareWorkdir creates <root>/<agent>/<task_id>/<timestamp>/ plus the
// screenshots subdirectory the driver writes into.
func (w *Worker) prepareWorkdir(taskID int64) (string, error) {
	dir := filepath.Join(
		w.cfg.WorkdirRoot,
		w.cfg.AgentID,
		fmt.Sprintf("%d", taskID),
		time.Now().UTC().Format("20060102T150405"),
	)
	if err := os.MkdirAll(filepath.Join(dir, "screenshots"), 0o755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}
	return dir, nil
}

// uploadScreenshots ships every non-empty file the driver left under
// workdir/screenshots/ to the object store and returns the upload count.
func (w *Worker) uploadScreenshots(ctx context.Context, logger zerolog.Logger, taskID int64, workdir string) int {
	dir := filepath.Join(workdir, "screenshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn().Err(err).Msg("screenshots directory unreadable")
		return 0
	}

	uploaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		local := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(local)
		if err != nil {
			logger.Warn().Err(err).Str("file", entry.Name()).Msg("screenshot unreadable, skipping")
			continue
		}
		if len(data) == 0 {
			logger.Warn().Str("file", entry.Name()).Msg("empty screenshot, skipping")
			continue
		}

		ext := strings.TrimPrefix(filepath.Ext(entry.Name()), ".")
		artifact := &types.Artifact{
			AgentID:    w.cfg.AgentID,
			TaskID:     &taskID,
			Bucket:     storage.BucketScreenshots,
			ObjectPath: storage.ObjectName(w.cfg.AgentID, ext),
			Metadata:   map[string]any{"source_file": entry.Name()},
		}
		if _, err := w.store.UploadArtifact(ctx, artifact, data); err != nil {
			logger.Error().Err(err).Str("file", entry.Name()).Msg("screenshot upload failed")
			continue
		}
		uploaded++
		metrics.ArtifactsUploaded.WithLabelValues(artifact.Bucket).Inc()
		metrics.ArtifactBytes.WithLabelValues(artifact.Bucket).Add(float64(len(data)))
		if err := w.appendProgress(ctx, taskID, nil,
			"uploaded screenshot: "+entry.Name(), map[string]any{"object_path": artifact.ObjectPath}); err != nil {
			logger.Warn().Err(err).Msg("screenshot progress append failed")
		}
	}
	return uploaded
}

// persistDriverOutput writes bounded stdout/stderr tails to the log store
func (w *Worker) persistDriverOutput(ctx context.Context, taskID int64, res *executor.Result) {
	if res == nil {
		return
	}
	id := taskID
	if out := tail(res.Stdout, logTail); out != "" {
		_ = w.store.AppendLog(ctx, &types.LogEntry{
			AgentID: w.cfg.AgentID,
			TaskID:  &id,
			Level:   types.LogInfo,
			Message: "driver stdout",
			Metadata: map[string]any{
				"output": out,
			},
		})
	}
	if errOut := tail(res.Stderr, logTail); errOut != "" {
		_ = w.store.AppendLog(ctx, &types.LogEntry{
			AgentID: w.cfg.AgentID,
			TaskID:  &id,
			Level:   types.LogWarning,
			Message: "driver stderr",
			Metadata: map[string]any{
				"output": errOut,
			},
		})
	}
}

func (w *Worker) publish(eventType events.EventType, taskID int64, message string) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:    eventType,
		AgentID: w.cfg.AgentID,
		TaskID:  taskID,
		Message: message,
	})
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
