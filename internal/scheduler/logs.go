package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"
	"forge/internal/database"
	"forge/internal/models"
)

// AppendLogs appends lines to the (task, step) log stream with gap-free,
// strictly increasing line numbers. Appenders serialize on the task row
// lock: a runner is expected to be the sole writer for its own task, but a
// retried or duplicate connection must not interleave numbering.
func (s *Scheduler) AppendLogs(ctx context.Context, token string, stepIndex int, lines []string) (int64, error) {
	if stepIndex < 0 {
		return 0, fmt.Errorf("%w: step index must be >= 0", errdefs.ErrInvalidArgument)
	}
	if len(lines) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	// the task row lock is the append serialization point
	var task models.WorkflowTask
	if err := tx.GetContext(ctx, &task, `SELECT * FROM ci.task WHERE token = $1 FOR UPDATE`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: unknown task token", errdefs.ErrUnauthenticated)
		}
		return 0, storeErr("lock task", err)
	}

	if task.Status == models.StatusQueued {
		return 0, fmt.Errorf("%w: task %d has not started", errdefs.ErrFailedPrecondition, task.ID)
	}

	var maxLine int64
	if err := tx.GetContext(ctx, &maxLine, `
SELECT COALESCE(MAX(line_number), 0) FROM ci.log WHERE task_id = $1 AND step_index = $2`,
		task.ID, stepIndex); err != nil {
		return 0, storeErr("read max line number", err)
	}

	next := maxLine
	for _, line := range lines {
		next++
		if _, err := tx.ExecContext(ctx, `
INSERT INTO ci.log (task_id, step_index, line_number, content)
VALUES ($1, $2, $3, $4)
`, task.ID, stepIndex, next, line); err != nil {
			return 0, storeErr("insert log line", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit log append", err)
	}

	log.Debug().
		Int64("task_id", task.ID).
		Int("step_index", stepIndex).
		Int("lines", len(lines)).
		Int64("last_line", next).
		Msg("Log lines appended")

	return next, nil
}

// GetLogs returns a run's log lines ordered by (task, step, line number).
// Pass a negative step to fetch all steps.
func (s *Scheduler) GetLogs(ctx context.Context, runID int64, step int) ([]models.WorkflowLog, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}

	logs := make([]models.WorkflowLog, 0)
	query := `
SELECT l.*
FROM ci.log l
JOIN ci.task t ON l.task_id = t.id
JOIN ci.job j ON t.job_id = j.id
WHERE j.run_id = $1 AND ($2 < 0 OR l.step_index = $2)
ORDER BY l.task_id, l.step_index, l.line_number`
	err := database.ReadRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &logs, query, runID, step)
	})
	if err != nil {
		return nil, storeErr("list run logs", err)
	}
	return logs, nil
}
