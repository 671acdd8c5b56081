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
	"forge/internal/models"
)

// ClaimedTask pairs a claimed task with its parent job's name so the runner
// can locate its steps in the embedded definition without another fetch.
type ClaimedTask struct {
	models.WorkflowTask
	JobName string
}

// ClaimTask hands at most one queued task to the runner. The candidate read
// uses FOR UPDATE SKIP LOCKED so concurrent claimers never block on each
// other and never see the same row: a task locked by another claim attempt
// simply drops out of the candidate set. Returns nil when no task is
// available.
func (s *Scheduler) ClaimTask(ctx context.Context, runnerID string) (*ClaimedTask, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	token := uuid.New().String()

	var task models.WorkflowTask
	err = tx.GetContext(ctx, &task, `
UPDATE ci.task
SET runner_id  = $1,
	token      = $2,
	status     = $3,
	started_at = NOW()
WHERE id = (SELECT id
			FROM ci.task
			WHERE status = $4
			  AND runner_id IS NULL
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
RETURNING *
`, runnerID, token, models.StatusRunning, models.StatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		// empty queue is not an error
		return nil, nil
	} else if err != nil {
		return nil, storeErr("claim task", err)
	}

	var jobName string
	if err := tx.GetContext(ctx, &jobName, `SELECT name FROM ci.job WHERE id = $1`, task.JobID); err != nil {
		return nil, storeErr("fetch job name", err)
	}

	// the claimed task's job and run become running alongside it
	if _, err := tx.ExecContext(ctx, `UPDATE ci.job SET status = $2 WHERE id = $1 AND status = $3`,
		task.JobID, models.StatusRunning, models.StatusQueued); err != nil {
		return nil, storeErr("mark job running", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE ci.run SET status = $2
WHERE id = (SELECT run_id FROM ci.job WHERE id = $1) AND status = $3`,
		task.JobID, models.StatusRunning, models.StatusQueued); err != nil {
		return nil, storeErr("mark run running", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ci.runner SET status = $2 WHERE id = $1`,
		runnerID, models.RunnerBusy); err != nil {
		return nil, storeErr("mark runner busy", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit task claim", err)
	}

	log.Info().
		Int64("task_id", task.ID).
		Int64("job_id", task.JobID).
		Str("runner_id", runnerID).
		Msg("Task claimed")

	return &ClaimedTask{WorkflowTask: task, JobName: jobName}, nil
}

// GetTaskByToken authenticates a runner's follow-up calls without
// re-exposing the runner id
func (s *Scheduler) GetTaskByToken(ctx context.Context, token string) (*models.WorkflowTask, error) {
	var task models.WorkflowTask
	err := database.ReadRetry(ctx, func() error {
		return s.db.GetContext(ctx, &task, `SELECT * FROM ci.task WHERE token = $1`, token)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown task token", errdefs.ErrUnauthenticated)
		}
		return nil, storeErr("get task by token", err)
	}
	return &task, nil
}

// ReportTaskStatus transitions the task identified by its claim token. On a
// terminal status it sets stopped_at and rolls the parent job and run up in
// the same transaction, so the status tree is never observed inconsistent.
// Replaying a report with the status the task already holds is a no-op.
func (s *Scheduler) ReportTaskStatus(ctx context.Context, token string, status models.RunStatus) (*models.WorkflowTask, error) {
	if !status.Valid() || status == models.StatusQueued {
		return nil, fmt.Errorf("%w: %q is not a reportable task status", errdefs.ErrInvalidArgument, status)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	var task models.WorkflowTask
	if err := tx.GetContext(ctx, &task, `SELECT * FROM ci.task WHERE token = $1 FOR UPDATE`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown task token", errdefs.ErrUnauthenticated)
		}
		return nil, storeErr("lock task", err)
	}

	if task.Status.Terminal() {
		if task.Status == status {
			// duplicate report: stop timestamp stays put, no re-rollup
			return &task, nil
		}
		return nil, fmt.Errorf("%w: task %d is already %s", errdefs.ErrFailedPrecondition, task.ID, task.Status)
	}

	if status.Terminal() {
		if err := tx.GetContext(ctx, &task, `
UPDATE ci.task SET status = $2, stopped_at = NOW() WHERE id = $1 RETURNING *`,
			task.ID, status); err != nil {
			return nil, storeErr("stop task", err)
		}

		if task.RunnerID.Valid {
			if _, err := tx.ExecContext(ctx, `UPDATE ci.runner SET status = $2 WHERE id = $1 AND status = $3`,
				task.RunnerID.String, models.RunnerOnline, models.RunnerBusy); err != nil {
				return nil, storeErr("release runner", err)
			}
		}

		if err := rollupJob(ctx, tx, task.JobID); err != nil {
			return nil, err
		}
	} else {
		if err := tx.GetContext(ctx, &task, `
UPDATE ci.task SET status = $2 WHERE id = $1 RETURNING *`, task.ID, status); err != nil {
			return nil, storeErr("update task status", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit task report", err)
	}

	log.Info().
		Int64("task_id", task.ID).
		Int64("job_id", task.JobID).
		Str("status", string(status)).
		Msg("Task status reported")

	return &task, nil
}

// rollupJob recomputes a job's status from its tasks and, when that moves
// the job, the run from its jobs. Parent statuses are terminal only when
// every child is terminal, and the worst terminal child dominates.
func rollupJob(ctx context.Context, tx *sqlx.Tx, jobID int64) error {
	var job models.WorkflowJob
	if err := tx.GetContext(ctx, &job, `SELECT * FROM ci.job WHERE id = $1 FOR UPDATE`, jobID); err != nil {
		return storeErr("lock job", err)
	}

	var taskStatuses []models.RunStatus
	if err := tx.SelectContext(ctx, &taskStatuses, `SELECT status FROM ci.task WHERE job_id = $1`, jobID); err != nil {
		return storeErr("read task statuses", err)
	}

	derived := models.Rollup(taskStatuses)
	if derived != job.Status {
		if _, err := tx.ExecContext(ctx, `UPDATE ci.job SET status = $2 WHERE id = $1`, jobID, derived); err != nil {
			return storeErr("update job status", err)
		}

		log.Info().
			Int64("job_id", jobID).
			Str("status", string(derived)).
			Msg("Job status derived")
	}

	return rollupRun(ctx, tx, job.RunID)
}

// rollupRun recomputes a run's status from its jobs, stamping stopped_at
// exactly once when the run reaches a terminal status.
func rollupRun(ctx context.Context, tx *sqlx.Tx, runID int64) error {
	var run models.WorkflowRun
	if err := tx.GetContext(ctx, &run, `SELECT * FROM ci.run WHERE id = $1 FOR UPDATE`, runID); err != nil {
		return storeErr("lock run", err)
	}

	if run.Status.Terminal() {
		// terminal statuses are absorbing
		return nil
	}

	var jobStatuses []models.RunStatus
	if err := tx.SelectContext(ctx, &jobStatuses, `SELECT status FROM ci.job WHERE run_id = $1`, runID); err != nil {
		return storeErr("read job statuses", err)
	}

	derived := models.Rollup(jobStatuses)
	if derived == run.Status {
		return nil
	}

	if derived.Terminal() {
		if _, err := tx.ExecContext(ctx, `
UPDATE ci.run SET status = $2, stopped_at = COALESCE(stopped_at, NOW()) WHERE id = $1`, runID, derived); err != nil {
			return storeErr("stop run", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE ci.run SET status = $2 WHERE id = $1`, runID, derived); err != nil {
			return storeErr("update run status", err)
		}
	}

	log.Info().
		Int64("run_id", runID).
		Str("status", string(derived)).
		Msg("Run status derived")

	return nil
}
