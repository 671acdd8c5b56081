package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"forge/internal/database"
	"forge/internal/events"
	"forge/internal/models"
	"forge/internal/workflow"
)

// Scheduler turns requested CI runs into jobs and tasks, and hands tasks to
// runners through a pull-based claim. All coordination happens through
// store row locks; service replicas share no in-process state.
type Scheduler struct {
	db     *sqlx.DB
	events events.Client
}

// New creates a new scheduler service
func New(db *sqlx.DB, events events.Client) *Scheduler {
	return &Scheduler{db: db, events: events}
}

// CreateRunParams carries everything needed to start a CI run. The workflow
// definition travels with the request so tasks can embed it for runners.
type CreateRunParams struct {
	RepoID            int64
	Title             string
	Trigger           models.RunTrigger
	Actor             string
	Ref               string
	CommitID          string
	DefinitionPath    string
	DefinitionContent string
}

// CreateRun allocates the next run number for the repository and inserts the
// run with one job and one queued task per workflow job. The run number
// comes from an upserted per-repository counter row so concurrent creators
// never collide.
func (s *Scheduler) CreateRun(ctx context.Context, params CreateRunParams) (*models.WorkflowRun, []models.WorkflowJob, error) {
	def, err := workflow.Parse([]byte(params.DefinitionContent))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", errdefs.ErrInvalidArgument, err)
	}

	title := params.Title
	if title == "" {
		title = def.Name
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	// the counter upsert takes the row lock, making run_number allocation
	// atomic against concurrent creators for the same repository
	var runNumber int64
	if err := tx.QueryRowContext(ctx, `
INSERT INTO ci.run_counter (repo_id, value)
VALUES ($1, 1)
ON CONFLICT (repo_id) DO UPDATE SET value = ci.run_counter.value + 1
RETURNING value
`, params.RepoID).Scan(&runNumber); err != nil {
		return nil, nil, storeErr("allocate run number", err)
	}

	var run models.WorkflowRun
	if err := tx.GetContext(ctx, &run, `
INSERT INTO ci.run (repo_id, run_number, title, trigger, actor, ref, commit_id, status)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
RETURNING *
`, params.RepoID, runNumber, title, params.Trigger, params.Actor, params.Ref, params.CommitID, models.StatusQueued); err != nil {
		return nil, nil, storeErr("insert run", err)
	}

	jobs := make([]models.WorkflowJob, 0, len(def.Jobs))
	for _, jobDef := range def.Jobs {
		var job models.WorkflowJob
		if err := tx.GetContext(ctx, &job, `
INSERT INTO ci.job (run_id, name, external_id, status)
VALUES ($1, $2, $3, $4)
RETURNING *
`, run.ID, jobDef.Name, uuid.New().String(), models.StatusQueued); err != nil {
			return nil, nil, storeErr("insert job", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO ci.task (job_id, attempt, repo_id, commit_id, definition_path, definition_content, status)
VALUES ($1, 1, $2, $3, $4, $5, $6)
`, job.ID, params.RepoID, params.CommitID, params.DefinitionPath, params.DefinitionContent, models.StatusQueued); err != nil {
			return nil, nil, storeErr("insert task", err)
		}

		jobs = append(jobs, job)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, storeErr("commit run creation", err)
	}

	log.Info().
		Int64("repo_id", params.RepoID).
		Int64("run_id", run.ID).
		Int64("run_number", run.RunNumber).
		Int("jobs", len(jobs)).
		Msg("Run created")

	return &run, jobs, nil
}

// GetRun fetches a single run
func (s *Scheduler) GetRun(ctx context.Context, runID int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := database.ReadRetry(ctx, func() error {
		return s.db.GetContext(ctx, &run, `SELECT * FROM ci.run WHERE id = $1`, runID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %d", errdefs.ErrNotFound, runID)
		}
		return nil, storeErr("get run", err)
	}
	return &run, nil
}

// ListRuns returns a page of runs for a repository, newest first, optionally
// filtered by status
func (s *Scheduler) ListRuns(ctx context.Context, repoID int64, status models.RunStatus, limit, offset int) ([]models.WorkflowRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	runs := make([]models.WorkflowRun, 0)
	query := `
SELECT * FROM ci.run
WHERE repo_id = $1 AND ($2 = '' OR status = $2)
ORDER BY run_number DESC
LIMIT $3 OFFSET $4`
	err := database.ReadRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &runs, query, repoID, status, limit, offset)
	})
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	return runs, nil
}

// GetRunJobs returns the jobs of a run in creation order
func (s *Scheduler) GetRunJobs(ctx context.Context, runID int64) ([]models.WorkflowJob, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	jobs := make([]models.WorkflowJob, 0)
	err := database.ReadRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &jobs, `SELECT * FROM ci.job WHERE run_id = $1 ORDER BY id`, runID)
	})
	if err != nil {
		return nil, storeErr("list run jobs", err)
	}
	return jobs, nil
}

// CancelRun marks a run's queued tasks cancelled and signals runners working
// on its running tasks. The run's own status follows from the rollup: it
// only reaches a terminal status once every task is terminal, so a task
// still executing keeps the run in running until its runner reports.
func (s *Scheduler) CancelRun(ctx context.Context, runID int64, actor string) (*models.WorkflowRun, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	// no run lock here: every writer takes task rows first, then jobs, then
	// the run, and locking the run up front would invert that order against
	// a concurrent status report
	var run models.WorkflowRun
	if err := tx.GetContext(ctx, &run, `SELECT * FROM ci.run WHERE id = $1`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: run %d", errdefs.ErrNotFound, runID)
		}
		return nil, storeErr("get run", err)
	}

	if run.Status.Terminal() {
		return nil, fmt.Errorf("%w: run %d is already %s", errdefs.ErrFailedPrecondition, runID, run.Status)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE ci.task t
SET status = $2, stopped_at = NOW()
FROM ci.job j
WHERE t.job_id = j.id AND j.run_id = $1 AND t.status = $3
`, runID, models.StatusCancelled, models.StatusQueued); err != nil {
		return nil, storeErr("cancel queued tasks", err)
	}

	// tasks a runner already claimed stay running until the runner reports;
	// cancellation of those is only a best-effort signal
	var runningTasks []int64
	if err := tx.SelectContext(ctx, &runningTasks, `
SELECT t.id
FROM ci.task t
JOIN ci.job j ON t.job_id = j.id
WHERE j.run_id = $1 AND t.status = $2
`, runID, models.StatusRunning); err != nil {
		return nil, storeErr("list running tasks", err)
	}

	// recompute every job so cancelled tasks are reflected upward. The jobs
	// are locked together in id order before the single run rollup, keeping
	// the task -> job -> run lock order shared with status reports.
	var jobs []models.WorkflowJob
	if err := tx.SelectContext(ctx, &jobs, `SELECT * FROM ci.job WHERE run_id = $1 ORDER BY id FOR UPDATE`, runID); err != nil {
		return nil, storeErr("lock run jobs", err)
	}
	for _, job := range jobs {
		var taskStatuses []models.RunStatus
		if err := tx.SelectContext(ctx, &taskStatuses, `SELECT status FROM ci.task WHERE job_id = $1`, job.ID); err != nil {
			return nil, storeErr("read task statuses", err)
		}
		if derived := models.Rollup(taskStatuses); derived != job.Status {
			if _, err := tx.ExecContext(ctx, `UPDATE ci.job SET status = $2 WHERE id = $1`, job.ID, derived); err != nil {
				return nil, storeErr("update job status", err)
			}
		}
	}
	if err := rollupRun(ctx, tx, runID); err != nil {
		return nil, err
	}

	updated, err := getRunTx(ctx, tx, runID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit run cancel", err)
	}

	for _, taskID := range runningTasks {
		if err := s.events.PublishCancel(ctx, events.CancelSignal{TaskID: taskID, RunID: runID, Actor: actor}); err != nil {
			log.Error().
				Err(err).
				Int64("run_id", runID).
				Int64("task_id", taskID).
				Msg("Could not publish cancel signal")
		}
	}

	log.Info().
		Int64("run_id", runID).
		Str("actor", actor).
		Int("signalled_tasks", len(runningTasks)).
		Msg("Run cancelled")

	return updated, nil
}

// RequeueTask is the explicit administrator action for tasks whose runner
// vanished. Automatic requeue is deliberately absent: without fencing, a
// returning stale runner could run the same side-effecting build twice.
func (s *Scheduler) RequeueTask(ctx context.Context, taskID int64, actor string) (*models.WorkflowTask, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	var task models.WorkflowTask
	if err := tx.GetContext(ctx, &task, `SELECT * FROM ci.task WHERE id = $1 FOR UPDATE`, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %d", errdefs.ErrNotFound, taskID)
		}
		return nil, storeErr("lock task", err)
	}

	if task.Status != models.StatusRunning {
		return nil, fmt.Errorf("%w: task %d is %s, only running tasks can be requeued", errdefs.ErrFailedPrecondition, taskID, task.Status)
	}

	if err := tx.GetContext(ctx, &task, `
UPDATE ci.task
SET status     = $2,
	runner_id  = NULL,
	token      = NULL,
	attempt    = attempt + 1,
	started_at = NULL,
	stopped_at = NULL
WHERE id = $1
RETURNING *
`, taskID, models.StatusQueued); err != nil {
		return nil, storeErr("requeue task", err)
	}

	if err := rollupJob(ctx, tx, task.JobID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit task requeue", err)
	}

	log.Info().
		Int64("task_id", taskID).
		Int("attempt", task.Attempt).
		Str("actor", actor).
		Msg("Task requeued by administrator")

	return &task, nil
}

func getRunTx(ctx context.Context, tx *sqlx.Tx, runID int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	if err := tx.GetContext(ctx, &run, `SELECT * FROM ci.run WHERE id = $1`, runID); err != nil {
		return nil, storeErr("get run", err)
	}
	return &run, nil
}

// storeErr classifies a store failure and preserves the operation for the log
func storeErr(operation string, err error) error {
	log.Error().Err(err).Str("operation", operation).Msg("Store operation failed")
	return fmt.Errorf("%w: %s: %s", errdefs.ErrUnavailable, operation, err)
}

func rollbackTx(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.Error().Err(err).Msg("Could not rollback transaction")
	}
}
