package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"forge/internal/events"
	"forge/internal/models"
	"forge/internal/workflow"
)

// Runner is the remote worker agent: it polls the forge API for tasks,
// executes workflow steps as local commands, streams output back and
// reports the terminal status. All state lives server-side; the agent can
// crash and restart freely.
type Runner struct {
	Name   string
	client *Client
	events events.Client // nil when no cancel bus is configured

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WorkDir           string

	mu          sync.Mutex
	currentTask int64
	cancelTask  context.CancelFunc
}

// New creates a runner agent from an authenticated API client. The events
// client may be nil; cancel signals are then simply never received.
func New(name string, client *Client, eventsClient events.Client) *Runner {
	return &Runner{
		Name:              name,
		client:            client,
		events:            eventsClient,
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Start is a blocking function. It heartbeats, listens for cancel signals
// and polls for claimable tasks until the context is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	go r.sendHeartbeats(ctx)

	if r.events != nil {
		go func() {
			if err := r.events.SubscribeCancel(ctx, r.onCancelSignal); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Cancel subscription ended")
			}
		}()
	}

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			task, err := r.client.Claim(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Claim attempt failed")
				continue
			}
			if task == nil {
				// empty queue, keep polling
				continue
			}

			r.ExecuteTask(ctx, task)
		}
	}
}

// ExecuteTask runs every step of the task's job and reports the outcome.
// Failures to deliver status or logs are retried with backoff before giving
// up, since an unreported terminal status leaves the task running forever.
func (r *Runner) ExecuteTask(ctx context.Context, task *ClaimedTask) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.currentTask = task.ID
	r.cancelTask = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.currentTask = 0
		r.cancelTask = nil
		r.mu.Unlock()
	}()

	log.Info().
		Int64("task_id", task.ID).
		Str("job", task.JobName).
		Int("attempt", task.Attempt).
		Msg("Executing task")

	status := r.runSteps(taskCtx, task)

	if _, err := tryRun(3, func() error {
		return r.client.ReportStatus(ctx, task.Token, status)
	}); err != nil {
		log.Error().
			Err(err).
			Int64("task_id", task.ID).
			Msg("Could not report task status")
	}
}

func (r *Runner) runSteps(ctx context.Context, task *ClaimedTask) models.RunStatus {
	def, err := workflow.Parse([]byte(task.DefinitionContent))
	if err != nil {
		log.Error().Err(err).Int64("task_id", task.ID).Msg("Task has an invalid workflow definition")
		return models.StatusErrored
	}

	job := def.Job(task.JobName)
	if job == nil {
		log.Error().
			Int64("task_id", task.ID).
			Str("job", task.JobName).
			Msg("Workflow definition has no such job")
		return models.StatusErrored
	}

	for i, step := range job.Steps {
		stepStatus := r.runStep(ctx, task, i, step)
		if stepStatus != models.StatusSucceeded {
			return stepStatus
		}
	}
	return models.StatusSucceeded
}

func (r *Runner) runStep(ctx context.Context, task *ClaimedTask, index int, step workflow.Step) models.RunStatus {
	log.Info().
		Int64("task_id", task.ID).
		Int("step", index).
		Str("name", step.Name).
		Str("command", step.Run).
		Msg("Running step")

	cmdName, args, err := SplitCommand(step.Run)
	if err != nil {
		r.uploadLines(ctx, task, index, []string{err.Error()})
		return models.StatusErrored
	}

	cmd := exec.CommandContext(ctx, cmdName, args...)
	cmd.Dir = r.WorkDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()
	r.uploadLines(ctx, task, index, splitLines(&output))

	if runErr == nil {
		return models.StatusSucceeded
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return models.StatusCancelled
	case errors.Is(runErr, context.DeadlineExceeded):
		return models.StatusFailed
	default:
		var exitError *exec.ExitError
		if errors.As(runErr, &exitError) {
			log.Info().
				Int64("task_id", task.ID).
				Int("step", index).
				Int("exit_code", exitError.ExitCode()).
				Msg("Step failed")
			return models.StatusFailed
		}
		log.Error().Err(runErr).Int64("task_id", task.ID).Int("step", index).Msg("Could not run step command")
		return models.StatusErrored
	}
}

func (r *Runner) uploadLines(ctx context.Context, task *ClaimedTask, stepIndex int, lines []string) {
	if len(lines) == 0 {
		return
	}
	if _, err := tryRun(3, func() error {
		return r.client.AppendLogs(ctx, task.Token, stepIndex, lines)
	}); err != nil {
		log.Error().
			Err(err).
			Int64("task_id", task.ID).
			Int("step", stepIndex).
			Msg("Could not upload log lines")
	}
}

// sendHeartbeats keeps the registry's liveness record fresh so the sweeper
// does not flip this runner offline
func (r *Runner) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(r.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.client.Heartbeat(ctx); err != nil {
				log.Error().Err(err).Msg("Could not send heartbeat")
			}
		}
	}
}

func (r *Runner) onCancelSignal(signal events.CancelSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.currentTask != 0 && r.currentTask == signal.TaskID && r.cancelTask != nil {
		log.Info().
			Int64("task_id", signal.TaskID).
			Str("actor", signal.Actor).
			Msg("Received cancel signal for current task")
		r.cancelTask()
	}
}

func splitLines(buf *bytes.Buffer) []string {
	lines := make([]string, 0)
	scanner := bufio.NewScanner(buf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

// tryRun attempts to run a function maxRetries time. If any time the function f succeeds,
// it will return with no error straightaway. Otherwise, it will return the error
func tryRun(maxRetries int, f func() error) (numAttempts int, lastErr error) {
	for attempts := 1; attempts-1 < maxRetries; attempts++ {
		err := f()
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		time.Sleep(time.Duration(attempts) * time.Second) // Linear backoff
	}

	return maxRetries, lastErr
}
