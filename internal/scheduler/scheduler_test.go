package scheduler_test

import (
	"context"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"forge/internal/models"
	"forge/internal/scheduler"
)

func TestCreateRun(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	run, jobs := createTestRun(t, sched, 1)

	assert.EqualValues(t, 1, run.RunNumber)
	assert.Equal(t, models.StatusQueued, run.Status)
	assert.Equal(t, "alice", run.Actor)

	// one queued task per job, carrying the definition
	for _, job := range jobs {
		assert.Equal(t, models.StatusQueued, job.Status)

		tasks := getTasks(t, job.ID)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.StatusQueued, tasks[0].Status)
		assert.Equal(t, 1, tasks[0].Attempt)
		assert.Equal(t, testWorkflow, tasks[0].DefinitionContent)
		assert.False(t, tasks[0].RunnerID.Valid)
	}
}

func TestCreateRun_RunNumbersArePerRepository(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	first, _ := createTestRun(t, sched, 1)
	second, _ := createTestRun(t, sched, 1)
	other, _ := createTestRun(t, sched, 2)

	assert.EqualValues(t, 1, first.RunNumber)
	assert.EqualValues(t, 2, second.RunNumber)
	assert.EqualValues(t, 1, other.RunNumber)
}

func TestCreateRun_ConcurrentCreatorsGetDistinctNumbers(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	const creators = 8
	numbers := make(chan int64, creators)

	var wg sync.WaitGroup
	for i := 0; i < creators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, _, err := sched.CreateRun(context.Background(), scheduler.CreateRunParams{
				RepoID:            7,
				Title:             "CI",
				Trigger:           models.TriggerPush,
				Actor:             "alice",
				CommitID:          "abc123",
				DefinitionPath:    ".forge/checks.yaml",
				DefinitionContent: testWorkflow,
			})
			if err == nil {
				numbers <- run.RunNumber
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int64]bool)
	for n := range numbers {
		assert.False(t, seen[n], "run number %d allocated twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, creators)
}

func TestCreateRun_InvalidDefinition(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	_, _, err := sched.CreateRun(context.Background(), scheduler.CreateRunParams{
		RepoID:            1,
		Title:             "CI",
		Trigger:           models.TriggerPush,
		Actor:             "alice",
		CommitID:          "abc123",
		DefinitionContent: "name: broken\njobs: []",
	})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGetRun(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	run, _ := createTestRun(t, sched, 1)

	got, err := sched.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = sched.GetRun(context.Background(), run.ID+999)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListRuns(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	createTestRun(t, sched, 1)
	createTestRun(t, sched, 1)
	createTestRun(t, sched, 2)

	runs, err := sched.ListRuns(context.Background(), 1, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// newest first
	assert.Greater(t, runs[0].RunNumber, runs[1].RunNumber)

	queued, err := sched.ListRuns(context.Background(), 1, models.StatusQueued, 0, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	failed, err := sched.ListRuns(context.Background(), 1, models.StatusFailed, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestCancelRun(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	run, jobs := createTestRun(t, sched, 1)

	// claim one task so the run has a running and a queued task
	runnerID := uuid.New().String()
	insertRunner(t, runnerID, "runner-1")
	claimed, err := sched.ClaimTask(context.Background(), runnerID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	bus.On("PublishCancel", mock.Anything, mock.Anything).Return(nil).Once()

	cancelled, err := sched.CancelRun(context.Background(), run.ID, "admin")
	require.NoError(t, err)
	bus.AssertExpectations(t)

	// queued tasks flip to cancelled immediately, the running one stays
	// running until its runner reports in
	assert.Equal(t, models.StatusRunning, cancelled.Status)
	for _, job := range jobs {
		for _, task := range getTasks(t, job.ID) {
			if task.ID == claimed.ID {
				assert.Equal(t, models.StatusRunning, task.Status)
			} else {
				assert.Equal(t, models.StatusCancelled, task.Status)
			}
		}
	}

	// a second cancel on a live run publishes nothing new for queued tasks
	// and fails once the run is terminal
	_, err = sched.ReportTaskStatus(context.Background(), claimed.Token.String, models.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, getRun(t, run.ID).Status)

	_, err = sched.CancelRun(context.Background(), run.ID, "admin")
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestCancelRun_ConcurrentWithStatusReport(t *testing.T) {
	clearTestDB(t)
	localBus := &MockEventsClient{}
	localBus.On("PublishCancel", mock.Anything, mock.Anything).Return(nil)
	sched := scheduler.New(db, localBus)

	runnerID := uuid.New().String()
	insertRunner(t, runnerID, "runner-1")

	// cancel and a terminal report contend on the same job and run rows;
	// both must come through without a store failure
	for i := 0; i < 10; i++ {
		run, _ := createTestRun(t, sched, int64(i+1))
		claimed, err := sched.ClaimTask(context.Background(), runnerID)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = sched.CancelRun(context.Background(), run.ID, "admin")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = sched.ReportTaskStatus(context.Background(), claimed.Token.String, models.StatusSucceeded)
		}()
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.True(t, getRun(t, run.ID).Status.Terminal())
	}
}

func TestRequeueTask(t *testing.T) {
	clearTestDB(t)
	sched := scheduler.New(db, bus)

	_, jobs := createTestRun(t, sched, 1)

	runnerID := uuid.New().String()
	insertRunner(t, runnerID, "runner-1")
	claimed, err := sched.ClaimTask(context.Background(), runnerID)
	require.NoError(t, err)

	requeued, err := sched.RequeueTask(context.Background(), claimed.ID, "admin")
	require.NoError(t, err)

	assert.Equal(t, models.StatusQueued, requeued.Status)
	assert.Equal(t, claimed.Attempt+1, requeued.Attempt)
	assert.False(t, requeued.RunnerID.Valid)
	assert.False(t, requeued.Token.Valid)

	// only running tasks can be requeued
	queuedTask := getTasks(t, jobs[1].ID)[0]
	if queuedTask.ID == claimed.ID {
		queuedTask = getTasks(t, jobs[0].ID)[0]
	}
	_, err = sched.RequeueTask(context.Background(), queuedTask.ID, "admin")
	assert.True(t, errdefs.IsFailedPrecondition(err))
}
