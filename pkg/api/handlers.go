package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aivillage/hub/pkg/events"
	"github.com/aivillage/hub/pkg/metrics"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/types"
)

const (
	defaultPresignTTL = time.Hour
	maxPresignTTL     = 24 * time.Hour
)

type createTaskRequest struct {
	Text string `json:"text"`
}

// CreateTask handles POST /task: inserts a pending task and round-robins it
// to one of the configured agents. Both the task's agent_id and its
// metadata assigned_agent_id end up on the same agent.
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	id, err := s.Store.CreateTask(ctx, "", "", req.Text, types.TaskMetadata{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	agent := types.AssignedAgent(id, s.AgentCount)
	merge := &types.TaskMetadata{AssignedAgentID: agent}
	if err := s.Store.UpdateTaskStatus(ctx, id, types.StatusPending, agent, merge); err != nil {
		// Cancel the unassigned insert: a pending task with no agent
		// would never be claimed.
		if cErr := s.Store.UpdateTaskStatus(ctx, id, types.StatusCancelled, "", nil); cErr != nil {
			s.logger.Warn().Err(cErr).Int64("task_id", id).Msg("orphan task cleanup failed")
		}
		s.writeError(w, r, fmt.Errorf("assign task %d: %w", id, err))
		return
	}

	metrics.TasksCreated.Inc()
	s.publish(events.EventTaskCreated, agent, id, types.TitleFromText(req.Text))
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": "created"})
}

// GetTask handles GET /task/{id}: the task plus its progress and artifacts
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}

	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.Store.TailProgress(ctx, id, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	artifacts, err := s.Store.ListArtifacts(ctx, types.ArtifactFilter{TaskID: &id})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"task":      task,
		"progress":  progress,
		"artifacts": artifacts,
	})
}

// ListTasks handles GET /tasks with status/agent/limit/offset filters
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	q := r.URL.Query()
	filter := types.TaskFilter{
		AgentID: q.Get("agent_id"),
		Status:  types.Status(q.Get("status")),
		Limit:   parseLimit(q.Get("limit"), 50, 500),
	}
	if off := q.Get("offset"); off != "" {
		fmt.Sscanf(off, "%d", &filter.Offset)
	}
	if q.Get("order") == "asc" {
		filter.Order = types.OrderAsc
	}

	tasks, total, err := s.Store.ListTasks(ctx, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

type chatMessage struct {
	ID              int64       `json:"id"`
	TaskID          int64       `json:"task_id"`
	AgentID         string      `json:"agent_id"`
	ProgressPercent *float64    `json:"progress_percent"`
	Message         string      `json:"message"`
	Timestamp       time.Time   `json:"timestamp"`
	Task            *types.Task `json:"task,omitempty"`
}

// AgentResponses handles GET /chat/agent-responses: the newest progress
// rows joined with their tasks, newest first.
func (s *Server) AgentResponses(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	rows, err := s.Store.LatestProgress(ctx, "", limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tasks := map[int64]*types.Task{}
	messages := make([]chatMessage, 0, len(rows))
	for _, row := range rows {
		task, ok := tasks[row.TaskID]
		if !ok {
			task, _ = s.Store.GetTask(ctx, row.TaskID)
			tasks[row.TaskID] = task
		}
		messages = append(messages, chatMessage{
			ID:              row.ID,
			TaskID:          row.TaskID,
			AgentID:         row.AgentID,
			ProgressPercent: row.Percent,
			Message:         row.Message,
			Timestamp:       row.Timestamp,
			Task:            task,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type liveAgent struct {
	AgentID     string                 `json:"agent_id"`
	Progress    []*types.ProgressEntry `json:"progress"`
	Screenshots []liveScreenshot       `json:"screenshots"`
}

type liveScreenshot struct {
	ArtifactID int64     `json:"artifact_id"`
	ObjectPath string    `json:"object_path"`
	UploadedAt time.Time `json:"uploaded_at"`
	URL        string    `json:"url,omitempty"`
}

// AgentsLive handles GET /agents/live: the latest progress and screenshots
// per agent, with presigned screenshot URLs where the object store allows.
func (s *Server) AgentsLive(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	perAgent := parseLimit(r.URL.Query().Get("limit_per_agent"), 5, 50)

	agentIDs, err := s.Store.ListAgents(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	agents := make([]liveAgent, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		progress, err := s.Store.LatestProgress(ctx, agentID, perAgent)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		artifacts, err := s.Store.ListArtifacts(ctx, types.ArtifactFilter{
			AgentID: agentID,
			Bucket:  storage.BucketScreenshots,
			Limit:   perAgent,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		shots := make([]liveScreenshot, 0, len(artifacts))
		for _, a := range artifacts {
			shot := liveScreenshot{ArtifactID: a.ID, ObjectPath: a.ObjectPath, UploadedAt: a.UploadedAt}
			if url, err := s.Store.PresignGet(ctx, a.Bucket, a.ObjectPath, defaultPresignTTL); err == nil {
				shot.URL = url
			}
			shots = append(shots, shot)
		}
		agents = append(agents, liveAgent{AgentID: agentID, Progress: progress, Screenshots: shots})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"generated_at": time.Now().UTC(),
		"agents":       agents,
	})
}

// AgentLogs handles GET /agents/{id}/logs: the agent's newest diagnostic
// log entries from the log store.
func (s *Server) AgentLogs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	agentID := chi.URLParam(r, "id")
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	logs, err := s.Store.RecentLogs(ctx, agentID, nil, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*types.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": types.NormalizeAgentID(agentID),
		"logs":     logs,
	})
}

// PresignArtifact handles GET /artifacts/{id}/presigned. Only the
// screenshots bucket is presignable; binaries stay internal.
func (s *Server) PresignArtifact(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid artifact id"})
		return
	}

	artifact, err := s.Store.GetArtifact(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if artifact.Bucket != storage.BucketScreenshots {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("bucket %q is not presignable", artifact.Bucket),
		})
		return
	}

	ttl := defaultPresignTTL
	if secs := parseLimit(r.URL.Query().Get("ttl_seconds"), 0, int(maxPresignTTL/time.Second)); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	url, err := s.Store.PresignGet(ctx, artifact.Bucket, artifact.ObjectPath, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

// CancelTask handles POST /admin/tasks/{id}/cancel. A pending task is
// cancelled outright; a claimed task gets the cancel flag the worker's
// progress pump watches for. Terminal tasks are a conflict.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestCtx(r)
	defer cancel()

	id, err := parseID(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid task id"})
		return
	}

	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case task.Status.IsTerminal():
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: fmt.Sprintf("task %d already %s", id, task.Status),
		})
	case task.Status == types.StatusPending:
		if err := s.Store.UpdateTaskStatus(ctx, id, types.StatusCancelled, "", nil); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.publish(events.EventTaskCancelled, task.AgentID, id, "cancelled before claim")
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
	default:
		merge := types.TaskMetadata{Extra: map[string]any{"cancel_requested": true}}
		if err := s.Store.MergeTaskMetadata(ctx, id, merge); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested"})
	}
}

// AgentStatus handles GET /admin/agents: supervisor view of agent processes
func (s *Server) AgentStatus(w http.ResponseWriter, r *http.Request) {
	if s.Supervisor == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "supervisor not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.Supervisor.StatusAll()})
}

// StartAgent handles POST /admin/agents/{id}/start
func (s *Server) StartAgent(w http.ResponseWriter, r *http.Request) {
	if s.Supervisor == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "supervisor not running"})
		return
	}
	agentID := chi.URLParam(r, "id")
	spawned, err := s.Supervisor.EnsureRunning(agentID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":   s.Supervisor.Status(agentID),
		"started": spawned,
	})
}

// StopAgent handles POST /admin/agents/{id}/stop
func (s *Server) StopAgent(w http.ResponseWriter, r *http.Request) {
	if s.Supervisor == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "supervisor not running"})
		return
	}
	agentID := chi.URLParam(r, "id")
	if err := s.Supervisor.Stop(r.Context(), agentID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": s.Supervisor.Status(agentID)})
}
