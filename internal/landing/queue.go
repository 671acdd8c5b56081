package landing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"forge/internal/database"
	"forge/internal/models"
	"forge/internal/vcs"
)

// Queue serializes landing requests for a bookmark. Conflict checking and
// the final land delegate to the version-control engine; everything else is
// state in the relational store, guarded by row locks exactly like task
// claiming.
type Queue struct {
	db  *sqlx.DB
	vcs vcs.Client

	// RequiredApprovals is the external policy input for when a request
	// becomes ready. Approvals only count against the request's current
	// change id, so amending a change invalidates its reviews.
	RequiredApprovals int
}

// New creates a new landing queue
func New(db *sqlx.DB, vcsClient vcs.Client, requiredApprovals int) *Queue {
	if requiredApprovals < 0 {
		requiredApprovals = 0
	}
	return &Queue{db: db, vcs: vcsClient, RequiredApprovals: requiredApprovals}
}

// SubmitParams carries a new landing intent
type SubmitParams struct {
	RepoID         int64
	ChangeID       string
	TargetBookmark string
	Title          string
	Description    string
	Author         string
}

// Submit creates a pending landing request. At most one active request may
// exist per (repository, change); a duplicate submission reports the
// existing request's id.
func (q *Queue) Submit(ctx context.Context, params SubmitParams) (*models.LandingRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	var existingID int64
	err = tx.GetContext(ctx, &existingID, `
SELECT id FROM landing.request
WHERE repo_id = $1 AND change_id = $2 AND status NOT IN ($3, $4)
FOR UPDATE
`, params.RepoID, params.ChangeID, models.LandingLanded, models.LandingCancelled)
	if err == nil {
		return nil, fmt.Errorf("%w: change %s already has active landing request %d",
			errdefs.ErrFailedPrecondition, params.ChangeID, existingID)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("check active request", err)
	}

	var request models.LandingRequest
	if err := tx.GetContext(ctx, &request, `
INSERT INTO landing.request (repo_id, change_id, target_bookmark, title, description, author, status)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
RETURNING *
`, params.RepoID, params.ChangeID, params.TargetBookmark, params.Title, params.Description, params.Author,
		models.LandingPending); err != nil {
		// the guard above cannot lock absence, so a concurrent submit for
		// the same change surfaces here as a unique violation instead
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: change %s already has an active landing request",
				errdefs.ErrFailedPrecondition, params.ChangeID)
		}
		return nil, storeErr("insert landing request", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit landing submit", err)
	}

	decodeConflictFiles(&request)

	log.Info().
		Int64("request_id", request.ID).
		Int64("repo_id", params.RepoID).
		Str("change_id", params.ChangeID).
		Str("bookmark", params.TargetBookmark).
		Msg("Landing request submitted")

	return &request, nil
}

// Get fetches a single landing request
func (q *Queue) Get(ctx context.Context, requestID int64) (*models.LandingRequest, error) {
	var request models.LandingRequest
	err := database.ReadRetry(ctx, func() error {
		return q.db.GetContext(ctx, &request, `SELECT * FROM landing.request WHERE id = $1`, requestID)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: landing request %d", errdefs.ErrNotFound, requestID)
		}
		return nil, storeErr("get landing request", err)
	}
	decodeConflictFiles(&request)
	return &request, nil
}

// List returns a repository's landing requests, newest first, optionally
// filtered by status
func (q *Queue) List(ctx context.Context, repoID int64, status models.LandingStatus) ([]models.LandingRequest, error) {
	requests := make([]models.LandingRequest, 0)
	err := database.ReadRetry(ctx, func() error {
		return q.db.SelectContext(ctx, &requests, `
SELECT * FROM landing.request
WHERE repo_id = $1 AND ($2 = '' OR status = $2)
ORDER BY id DESC
`, repoID, status)
	})
	if err != nil {
		return nil, storeErr("list landing requests", err)
	}

	for i := range requests {
		decodeConflictFiles(&requests[i])
	}
	return requests, nil
}

// CheckConflicts asks the VCS whether the change still applies cleanly onto
// the bookmark tip and records the outcome. The request sits in checking
// while the probe runs, which keeps concurrent checks from racing on the
// repository and lets the probe run without holding the row lock. A clean
// result moves the request toward ready (subject to the approval policy); a
// dirty one to conflict.
func (q *Queue) CheckConflicts(ctx context.Context, requestID int64) (*models.LandingRequest, error) {
	prior, err := q.markChecking(ctx, requestID)
	if err != nil {
		return nil, err
	}

	report, err := q.vcs.CheckConflicts(ctx, prior.RepoID, prior.ChangeID, prior.TargetBookmark)
	if err != nil {
		q.restoreStatus(ctx, requestID, prior.Status)
		log.Error().
			Err(err).
			Int64("request_id", requestID).
			Str("change_id", prior.ChangeID).
			Msg("VCS conflict check failed")
		return nil, fmt.Errorf("conflict check for request %d failed: %w", requestID, err)
	}

	return q.recordCheck(ctx, requestID, report)
}

// markChecking flips an active request to checking and returns its prior
// state. A request already in checking has a probe in flight and rejects a
// second one; a crashed probe is recovered by cancelling the request.
func (q *Queue) markChecking(ctx context.Context, requestID int64) (*models.LandingRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	request, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !request.Status.Active() {
		return nil, fmt.Errorf("%w: landing request %d is %s", errdefs.ErrFailedPrecondition, requestID, request.Status)
	}
	if request.Status == models.LandingChecking {
		return nil, fmt.Errorf("%w: conflict check for landing request %d is already in progress",
			errdefs.ErrFailedPrecondition, requestID)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE landing.request SET status = $2 WHERE id = $1`,
		requestID, models.LandingChecking); err != nil {
		return nil, storeErr("mark request checking", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit checking transition", err)
	}
	return request, nil
}

// restoreStatus puts a request back after a failed probe, but only if it is
// still checking: a concurrent cancel wins.
func (q *Queue) restoreStatus(ctx context.Context, requestID int64, status models.LandingStatus) {
	if _, err := q.db.ExecContext(ctx, `UPDATE landing.request SET status = $2 WHERE id = $1 AND status = $3`,
		requestID, status, models.LandingChecking); err != nil {
		log.Error().
			Err(err).
			Int64("request_id", requestID).
			Str("status", string(status)).
			Msg("Could not restore request status after failed conflict check")
	}
}

func (q *Queue) recordCheck(ctx context.Context, requestID int64, report *vcs.ConflictReport) (*models.LandingRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	request, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != models.LandingChecking {
		// cancelled while the probe ran; the result is moot
		return nil, fmt.Errorf("%w: landing request %d is %s", errdefs.ErrFailedPrecondition, requestID, request.Status)
	}

	status := models.LandingPending
	if report.HasConflicts {
		status = models.LandingConflict
	} else {
		landable, err := q.approvalsSatisfied(ctx, tx, request)
		if err != nil {
			return nil, err
		}
		if landable {
			status = models.LandingReady
		}
	}

	filesJSON, err := json.Marshal(report.Files)
	if err != nil {
		return nil, fmt.Errorf("could not encode conflict files: %w", err)
	}

	if err := tx.GetContext(ctx, request, `
UPDATE landing.request
SET has_conflicts = $2, conflict_files = $3, status = $4
WHERE id = $1
RETURNING *
`, requestID, report.HasConflicts, filesJSON, status); err != nil {
		return nil, storeErr("record conflict check", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit conflict check", err)
	}

	decodeConflictFiles(request)

	log.Info().
		Int64("request_id", requestID).
		Bool("has_conflicts", report.HasConflicts).
		Str("status", string(status)).
		Msg("Conflict check recorded")

	return request, nil
}

// Land performs the terminal, non-retryable step. The row lock makes it
// idempotent-safe: when two Land calls race, the loser observes a status
// that is no longer ready and backs off without touching the VCS.
func (q *Queue) Land(ctx context.Context, requestID int64, actor string) (*models.LandingRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	request, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}

	if request.HasConflicts {
		return nil, fmt.Errorf("%w: landing request %d has conflicts", errdefs.ErrFailedPrecondition, requestID)
	}
	if request.Status != models.LandingReady {
		return nil, fmt.Errorf("%w: landing request %d is %s, not ready", errdefs.ErrFailedPrecondition, requestID, request.Status)
	}

	landedChangeID, err := q.vcs.Land(ctx, request.RepoID, request.ChangeID, request.TargetBookmark)
	if err != nil {
		log.Error().
			Err(err).
			Int64("request_id", requestID).
			Str("change_id", request.ChangeID).
			Str("bookmark", request.TargetBookmark).
			Msg("VCS land failed")
		return nil, fmt.Errorf("land of request %d failed: %w", requestID, err)
	}

	if err := tx.GetContext(ctx, request, `
UPDATE landing.request
SET status = $2, landed_change_id = $3, landed_by = $4, landed_at = NOW()
WHERE id = $1
RETURNING *
`, requestID, models.LandingLanded, landedChangeID, actor); err != nil {
		return nil, storeErr("record land", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit land", err)
	}

	decodeConflictFiles(request)

	log.Info().
		Int64("request_id", requestID).
		Str("change_id", request.ChangeID).
		Str("landed_change_id", landedChangeID).
		Str("actor", actor).
		Msg("Landing request landed")

	return request, nil
}

// Cancel moves an active request to cancelled; no further reviews or
// landing apply
func (q *Queue) Cancel(ctx context.Context, requestID int64, actor string) (*models.LandingRequest, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: could not begin transaction: %s", errdefs.ErrUnavailable, err)
	}
	defer rollbackTx(tx)

	request, err := lockRequest(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	if !request.Status.Active() {
		return nil, fmt.Errorf("%w: landing request %d is %s", errdefs.ErrFailedPrecondition, requestID, request.Status)
	}

	if err := tx.GetContext(ctx, request, `
UPDATE landing.request SET status = $2 WHERE id = $1 RETURNING *`,
		requestID, models.LandingCancelled); err != nil {
		return nil, storeErr("cancel landing request", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit landing cancel", err)
	}

	decodeConflictFiles(request)

	log.Info().
		Int64("request_id", requestID).
		Str("actor", actor).
		Msg("Landing request cancelled")

	return request, nil
}

func lockRequest(ctx context.Context, tx *sqlx.Tx, requestID int64) (*models.LandingRequest, error) {
	var request models.LandingRequest
	if err := tx.GetContext(ctx, &request, `SELECT * FROM landing.request WHERE id = $1 FOR UPDATE`, requestID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: landing request %d", errdefs.ErrNotFound, requestID)
		}
		return nil, storeErr("lock landing request", err)
	}
	return &request, nil
}

func decodeConflictFiles(request *models.LandingRequest) {
	request.ConflictFiles = []string{}
	if len(request.ConflictFilesJSON) == 0 {
		return
	}
	if err := json.Unmarshal(request.ConflictFilesJSON, &request.ConflictFiles); err != nil {
		log.Error().
			Err(err).
			Int64("request_id", request.ID).
			Msg("Could not decode conflict file list")
	}
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
