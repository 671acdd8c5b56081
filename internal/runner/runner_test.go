package runner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"forge/internal/models"
	"forge/internal/runner"
)

const testDefinition = `
name: checks
jobs:
  - name: verify
    steps:
      - name: greet
        run: echo hello
      - name: version
        run: go version
`

const failingDefinition = `
name: checks
jobs:
  - name: verify
    steps:
      - name: broken
        run: go bad-cmd
      - name: never-runs
        run: echo unreachable
`

// apiRecorder is a fake forge server capturing what the agent reports back
type apiRecorder struct {
	mu       sync.Mutex
	statuses []models.RunStatus
	logs     map[int][]string // step index -> lines
}

func newAPIRecorder() *apiRecorder {
	return &apiRecorder{logs: make(map[int][]string)}
}

func (a *apiRecorder) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token  string           `json:"token"`
			Status models.RunStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.statuses = append(a.statuses, body.Status)
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/tasks/logs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Token     string   `json:"token"`
			StepIndex int      `json:"step_index"`
			Lines     []string `json:"lines"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		a.mu.Lock()
		a.logs[body.StepIndex] = append(a.logs[body.StepIndex], body.Lines...)
		a.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (a *apiRecorder) lastStatus(t *testing.T) models.RunStatus {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.statuses)
	return a.statuses[len(a.statuses)-1]
}

func newTestTask(definition string) *runner.ClaimedTask {
	task := &runner.ClaimedTask{
		Token:   "task-token",
		JobName: "verify",
	}
	task.ID = 42
	task.Attempt = 1
	task.DefinitionContent = definition
	return task
}

func TestRunner_ExecuteTask(t *testing.T) {
	t.Run("successful job", func(t *testing.T) {
		recorder := newAPIRecorder()
		server := httptest.NewServer(recorder.handler())
		defer server.Close()

		agent := runner.New("test-runner", runner.NewClient(server.URL, "fgr_test"), nil)
		agent.ExecuteTask(context.Background(), newTestTask(testDefinition))

		assert.Equal(t, models.StatusSucceeded, recorder.lastStatus(t))
		assert.Equal(t, []string{"hello"}, recorder.logs[0])
		require.NotEmpty(t, recorder.logs[1])
		assert.Contains(t, recorder.logs[1][0], "go version")
	})

	t.Run("failing step stops the job", func(t *testing.T) {
		recorder := newAPIRecorder()
		server := httptest.NewServer(recorder.handler())
		defer server.Close()

		agent := runner.New("test-runner", runner.NewClient(server.URL, "fgr_test"), nil)
		agent.ExecuteTask(context.Background(), newTestTask(failingDefinition))

		assert.Equal(t, models.StatusFailed, recorder.lastStatus(t))
		assert.NotEmpty(t, recorder.logs[0])
		assert.Empty(t, recorder.logs[1], "steps after a failure must not run")
	})

	t.Run("invalid definition is errored", func(t *testing.T) {
		recorder := newAPIRecorder()
		server := httptest.NewServer(recorder.handler())
		defer server.Close()

		agent := runner.New("test-runner", runner.NewClient(server.URL, "fgr_test"), nil)
		agent.ExecuteTask(context.Background(), newTestTask("jobs: ["))

		assert.Equal(t, models.StatusErrored, recorder.lastStatus(t))
	})

	t.Run("unknown job name is errored", func(t *testing.T) {
		recorder := newAPIRecorder()
		server := httptest.NewServer(recorder.handler())
		defer server.Close()

		task := newTestTask(testDefinition)
		task.JobName = "no-such-job"

		agent := runner.New("test-runner", runner.NewClient(server.URL, "fgr_test"), nil)
		agent.ExecuteTask(context.Background(), task)

		assert.Equal(t, models.StatusErrored, recorder.lastStatus(t))
	})
}
