package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"forge/internal/models"
	"forge/internal/scheduler"
)

type RunRouter struct {
	ctx       context.Context
	scheduler *scheduler.Scheduler
}

func NewRunRouter(ctx context.Context, sched *scheduler.Scheduler, router chi.Router) *RunRouter {
	r := &RunRouter{ctx: ctx, scheduler: sched}

	router.Post("/repos/{repoID}/runs", r.CreateRun)
	router.Get("/repos/{repoID}/runs", r.ListRuns)
	router.Get("/runs/{id}", r.GetRun)
	router.Get("/runs/{id}/jobs", r.GetRunJobs)
	router.Get("/runs/{id}/logs", r.GetRunLogs)
	router.Post("/runs/{id}/cancel", r.CancelRun)
	router.Post("/tasks/{id}/requeue", r.RequeueTask)

	return r
}

// CreateRunResponse pairs the created run with its jobs so the caller can
// render the whole tree from one response
type CreateRunResponse struct {
	Run  *models.WorkflowRun  `json:"run"`
	Jobs []models.WorkflowJob `json:"jobs"`
}

func (t *RunRouter) CreateRun(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "repoID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var payload CreateRun
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, jobs, err := t.scheduler.CreateRun(t.ctx, scheduler.CreateRunParams{
		RepoID:            repoID,
		Title:             payload.Title,
		Trigger:           payload.Trigger,
		Actor:             Actor(r),
		Ref:               payload.Ref,
		CommitID:          payload.CommitID,
		DefinitionPath:    payload.DefinitionPath,
		DefinitionContent: payload.DefinitionContent,
	})
	if err != nil {
		serveError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, CreateRunResponse{Run: run, Jobs: jobs})
}

func (t *RunRouter) ListRuns(w http.ResponseWriter, r *http.Request) {
	repoID, err := pathID(r, "repoID")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	status := models.RunStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	runs, err := t.scheduler.ListRuns(t.ctx, repoID, status, limit, offset)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, runs)
}

func (t *RunRouter) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := t.scheduler.GetRun(t.ctx, runID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, run)
}

func (t *RunRouter) GetRunJobs(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobs, err := t.scheduler.GetRunJobs(t.ctx, runID)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, jobs)
}

func (t *RunRouter) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// absent step filter means all steps
	step := queryInt(r, "step", -1)

	logs, err := t.scheduler.GetLogs(t.ctx, runID, step)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, logs)
}

func (t *RunRouter) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	run, err := t.scheduler.CancelRun(t.ctx, runID, Actor(r))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, run)
}

func (t *RunRouter) RequeueTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := pathID(r, "id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := t.scheduler.RequeueTask(t.ctx, taskID, Actor(r))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, task)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid id", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
