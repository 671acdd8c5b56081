package landing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"forge/internal/landing"
	"forge/internal/models"
	"forge/internal/vcs"
)

func TestSubmit(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	assert.Equal(t, models.LandingPending, request.Status)
	assert.Equal(t, "alice", request.Author)
	assert.False(t, request.HasConflicts)
	assert.Empty(t, request.ConflictFiles)
}

func TestSubmit_DuplicateActiveRequestRejected(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	first := submitTestRequest(t, queue, 1, "zxqkowtr")

	_, err := queue.Submit(context.Background(), landing.SubmitParams{
		RepoID:         1,
		ChangeID:       "zxqkowtr",
		TargetBookmark: "main",
		Title:          "same change again",
		Author:         "bob",
	})
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), fmt.Sprintf("request %d", first.ID))

	// same change in another repo is unrelated
	other, err := queue.Submit(context.Background(), landing.SubmitParams{
		RepoID:         2,
		ChangeID:       "zxqkowtr",
		TargetBookmark: "main",
		Title:          "same change, other repo",
		Author:         "bob",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSubmit_ConcurrentSubmittersGetOneRequest(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	const submitters = 8
	var wg sync.WaitGroup
	errs := make([]error, submitters)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = queue.Submit(context.Background(), landing.SubmitParams{
				RepoID:         1,
				ChangeID:       "zxqkowtr",
				TargetBookmark: "main",
				Title:          "same change from everyone",
				Author:         "alice",
			})
		}(i)
	}
	wg.Wait()

	// the losers must see the duplicate as a state conflict, not a store
	// failure, regardless of whether they lost to the guard or the index
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errdefs.IsFailedPrecondition(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	requests, err := queue.List(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Len(t, requests, 1)
}

func TestSubmit_AllowedAgainAfterCancel(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	first := submitTestRequest(t, queue, 1, "zxqkowtr")

	_, err := queue.Cancel(context.Background(), first.ID, "alice")
	require.NoError(t, err)

	second := submitTestRequest(t, queue, 1, "zxqkowtr")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCheckConflicts_RecordsConflict(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Return(&vcs.ConflictReport{HasConflicts: true, Files: []string{"src/parser.rs", "src/lexer.rs"}}, nil).
		Once()

	checked, err := queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)
	mockVCS.AssertExpectations(t)

	assert.Equal(t, models.LandingConflict, checked.Status)
	assert.True(t, checked.HasConflicts)
	assert.Equal(t, []string{"src/parser.rs", "src/lexer.rs"}, checked.ConflictFiles)
}

func TestCheckConflicts_CleanWithApprovalsIsReady(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Return(&vcs.ConflictReport{HasConflicts: false}, nil)

	// clean but unapproved: stays pending
	checked, err := queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LandingPending, checked.Status)

	_, err = queue.AddReview(context.Background(), request.ID, "bob", models.ReviewApprove, "")
	require.NoError(t, err)

	checked, err = queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LandingReady, checked.Status)
}

func TestCheckConflicts_RequestIsCheckingDuringProbe(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	var observed models.LandingStatus
	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Run(func(mock.Arguments) {
			var status models.LandingStatus
			require.NoError(t, db.Get(&status, `SELECT status FROM landing.request WHERE id = $1`, request.ID))
			observed = status
		}).
		Return(&vcs.ConflictReport{HasConflicts: false}, nil).
		Once()

	checked, err := queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)
	mockVCS.AssertExpectations(t)

	assert.Equal(t, models.LandingChecking, observed)
	assert.Equal(t, models.LandingPending, checked.Status)
}

func TestCheckConflicts_RejectsCheckAlreadyInProgress(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")
	_, err := db.Exec(`UPDATE landing.request SET status = $2 WHERE id = $1`, request.ID, models.LandingChecking)
	require.NoError(t, err)

	_, err = queue.CheckConflicts(context.Background(), request.ID)
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "in progress")
	mockVCS.AssertNotCalled(t, "CheckConflicts", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckConflicts_CancelledDuringProbeWins(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Run(func(mock.Arguments) {
			_, err := queue.Cancel(context.Background(), request.ID, "alice")
			require.NoError(t, err)
		}).
		Return(&vcs.ConflictReport{HasConflicts: true, Files: []string{"a.go"}}, nil).
		Once()

	_, err := queue.CheckConflicts(context.Background(), request.ID)
	assert.True(t, errdefs.IsFailedPrecondition(err))

	// the probe result is discarded
	got, err := queue.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LandingCancelled, got.Status)
	assert.False(t, got.HasConflicts)
}

func TestCheckConflicts_VCSErrorLeavesRequestUntouched(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Return(nil, errors.New("jj: repository is locked")).
		Once()

	_, err := queue.CheckConflicts(context.Background(), request.ID)
	assert.Error(t, err)

	got, err := queue.Get(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LandingPending, got.Status)
}

func TestLand(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Return(&vcs.ConflictReport{HasConflicts: false}, nil)
	mockVCS.On("Land", mock.Anything, int64(1), "zxqkowtr", "main").
		Return("landed123", nil).
		Once()

	_, err := queue.AddReview(context.Background(), request.ID, "bob", models.ReviewApprove, "")
	require.NoError(t, err)
	_, err = queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)

	landed, err := queue.Land(context.Background(), request.ID, "alice")
	require.NoError(t, err)
	mockVCS.AssertExpectations(t)

	assert.Equal(t, models.LandingLanded, landed.Status)
	assert.Equal(t, "landed123", landed.LandedChangeID.String)
	assert.Equal(t, "alice", landed.LandedBy.String)
	assert.True(t, landed.LandedAt.Valid)

	// a second land backs off without calling the VCS again
	_, err = queue.Land(context.Background(), request.ID, "alice")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	mockVCS.AssertNumberOfCalls(t, "Land", 1)
}

func TestLand_RejectsNonReadyStates(t *testing.T) {
	clearTestDB(t)
	mockVCS := &MockVCSClient{}
	queue := landing.New(db, mockVCS, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	// pending
	_, err := queue.Land(context.Background(), request.ID, "alice")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	assert.Contains(t, err.Error(), "pending")

	// conflict
	mockVCS.On("CheckConflicts", mock.Anything, int64(1), "zxqkowtr", "main").
		Return(&vcs.ConflictReport{HasConflicts: true, Files: []string{"a.go"}}, nil).
		Once()
	_, err = queue.CheckConflicts(context.Background(), request.ID)
	require.NoError(t, err)

	_, err = queue.Land(context.Background(), request.ID, "alice")
	assert.True(t, errdefs.IsFailedPrecondition(err))
	mockVCS.AssertNotCalled(t, "Land", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCancel(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	request := submitTestRequest(t, queue, 1, "zxqkowtr")

	cancelled, err := queue.Cancel(context.Background(), request.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.LandingCancelled, cancelled.Status)

	_, err = queue.Cancel(context.Background(), request.ID, "alice")
	assert.True(t, errdefs.IsFailedPrecondition(err))
}

func TestList(t *testing.T) {
	clearTestDB(t)
	queue := landing.New(db, &MockVCSClient{}, 1)

	first := submitTestRequest(t, queue, 1, "change1")
	submitTestRequest(t, queue, 1, "change2")
	submitTestRequest(t, queue, 2, "change3")

	_, err := queue.Cancel(context.Background(), first.ID, "alice")
	require.NoError(t, err)

	all, err := queue.List(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := queue.List(context.Background(), 1, models.LandingPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = queue.Get(context.Background(), first.ID+9999)
	assert.True(t, errdefs.IsNotFound(err))
}
