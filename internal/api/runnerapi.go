package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"forge/internal/models"
	"forge/internal/runners"
	"forge/internal/scheduler"
)

// RunnerRouter serves the remote runner protocol: registration, liveness,
// task claiming and the task-scoped report endpoints. Everything except
// registration requires a runner bearer token.
type RunnerRouter struct {
	ctx       context.Context
	scheduler *scheduler.Scheduler
	registry  *runners.Registry
}

func NewRunnerRouter(ctx context.Context, sched *scheduler.Scheduler, registry *runners.Registry, router chi.Router) *RunnerRouter {
	r := &RunnerRouter{ctx: ctx, scheduler: sched, registry: registry}

	router.Post("/runners/register", r.Register)
	router.Group(func(authed chi.Router) {
		authed.Use(runnerAuth(registry))
		authed.Post("/runners/heartbeat", r.Heartbeat)
		authed.Post("/runners/claim", r.Claim)
		authed.Post("/tasks/status", r.ReportStatus)
		authed.Post("/tasks/logs", r.AppendLogs)
	})

	return r
}

// RegisterRunnerResponse carries the raw token. It is shown exactly once;
// only its digest is stored.
type RegisterRunnerResponse struct {
	Runner *models.Runner `json:"runner"`
	Token  string         `json:"token"`
}

func (t *RunnerRouter) Register(w http.ResponseWriter, r *http.Request) {
	var payload RegisterRunner
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runner, token, err := t.registry.Register(t.ctx, payload.Name, payload.Version, payload.Labels)
	if err != nil {
		serveError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	serveJson(w, RegisterRunnerResponse{Runner: runner, Token: token})
}

func (t *RunnerRouter) Heartbeat(w http.ResponseWriter, r *http.Request) {
	runner, err := t.registry.Heartbeat(t.ctx, bearerToken(r))
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, runner)
}

// ClaimResponse is the claimed task plus its job's name and the per-claim
// token the runner must present on status and log reports
type ClaimResponse struct {
	models.WorkflowTask
	Token   string `json:"token"`
	JobName string `json:"job_name"`
}

func (t *RunnerRouter) Claim(w http.ResponseWriter, r *http.Request) {
	runner := RequestRunner(r)

	claimed, err := t.scheduler.ClaimTask(t.ctx, runner.ID)
	if err != nil {
		serveError(w, err)
		return
	}
	if claimed == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	serveJson(w, ClaimResponse{
		WorkflowTask: claimed.WorkflowTask,
		Token:        claimed.Token.String,
		JobName:      claimed.JobName,
	})
}

func (t *RunnerRouter) ReportStatus(w http.ResponseWriter, r *http.Request) {
	var payload ReportTaskStatus
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := t.scheduler.ReportTaskStatus(t.ctx, payload.Token, payload.Status)
	if err != nil {
		serveError(w, err)
		return
	}

	log.Info().
		Int64("task_id", task.ID).
		Str("status", string(payload.Status)).
		Str("runner", RequestRunner(r).Name).
		Msg("Task status reported")
	serveJson(w, task)
}

// AppendLogsResponse reports the last assigned line number so the runner
// can detect lost batches
type AppendLogsResponse struct {
	LastLine int64 `json:"last_line"`
}

func (t *RunnerRouter) AppendLogs(w http.ResponseWriter, r *http.Request) {
	var payload AppendTaskLogs
	if err := readJson(w, r, &payload); err != nil {
		return
	}
	if err := payload.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	lastLine, err := t.scheduler.AppendLogs(t.ctx, payload.Token, payload.StepIndex, payload.Lines)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, AppendLogsResponse{LastLine: lastLine})
}

func (t *RunnerRouter) List(w http.ResponseWriter, _ *http.Request) {
	list, err := t.registry.List(t.ctx)
	if err != nil {
		serveError(w, err)
		return
	}
	serveJson(w, list)
}
