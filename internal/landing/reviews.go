package landing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"forge/internal/database"
	"forge/internal/models"
)

// AddReview records a review event against the request's current change id.
// Amending the change later leaves the review in place but stale, so it no
// longer counts toward readiness.
func (q *Queue) AddReview(ctx context.Context, requestID int64, reviewer string, reviewType models.ReviewType, content string) (*models.LandingReview, error) {
	if !reviewType.Valid() {
		return nil, fmt.Errorf("%w: %q is not a review type", errdefs.ErrInvalidArgument, reviewType)
	}

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

	var review models.LandingReview
	if err := tx.GetContext(ctx, &review, `
INSERT INTO landing.review (request_id, reviewer, type, content, change_id_at_review)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
RETURNING *
`, requestID, reviewer, reviewType, content, request.ChangeID); err != nil {
		return nil, storeErr("insert review", err)
	}

	// reviews can flip readiness in both directions
	if !request.HasConflicts && request.Status != models.LandingChecking {
		landable, err := q.approvalsSatisfied(ctx, tx, request)
		if err != nil {
			return nil, err
		}

		status := models.LandingPending
		if landable {
			status = models.LandingReady
		}
		if status != request.Status {
			if _, err := tx.ExecContext(ctx, `UPDATE landing.request SET status = $2 WHERE id = $1`,
				requestID, status); err != nil {
				return nil, storeErr("update request readiness", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit review", err)
	}

	log.Info().
		Int64("request_id", requestID).
		Str("reviewer", reviewer).
		Str("type", string(reviewType)).
		Msg("Review added")

	return &review, nil
}

// GetReviews returns a request's review trail in order
func (q *Queue) GetReviews(ctx context.Context, requestID int64) ([]models.LandingReview, error) {
	if _, err := q.Get(ctx, requestID); err != nil {
		return nil, err
	}

	reviews := make([]models.LandingReview, 0)
	err := database.ReadRetry(ctx, func() error {
		return q.db.SelectContext(ctx, &reviews, `SELECT * FROM landing.review WHERE request_id = $1 ORDER BY id`, requestID)
	})
	if err != nil {
		return nil, storeErr("list reviews", err)
	}
	return reviews, nil
}

// AddLineComment anchors a comment to a file and line of the request
func (q *Queue) AddLineComment(ctx context.Context, requestID int64, author, filePath string, line int, content string) (*models.LineComment, error) {
	if filePath == "" || content == "" {
		return nil, fmt.Errorf("%w: file path and content are required", errdefs.ErrInvalidArgument)
	}
	if line < 1 {
		return nil, fmt.Errorf("%w: line must be >= 1", errdefs.ErrInvalidArgument)
	}

	request, err := q.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !request.Status.Active() {
		return nil, fmt.Errorf("%w: landing request %d is %s", errdefs.ErrFailedPrecondition, requestID, request.Status)
	}

	var comment models.LineComment
	if err := q.db.GetContext(ctx, &comment, `
INSERT INTO landing.line_comment (request_id, author, file_path, line, content)
VALUES ($1, $2, $3, $4, $5)
RETURNING *
`, requestID, author, filePath, line, content); err != nil {
		return nil, storeErr("insert line comment", err)
	}

	log.Info().
		Int64("request_id", requestID).
		Int64("comment_id", comment.ID).
		Str("file", filePath).
		Msg("Line comment added")

	return &comment, nil
}

// EditLineComment replaces a comment's content
func (q *Queue) EditLineComment(ctx context.Context, requestID, commentID int64, content string) (*models.LineComment, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", errdefs.ErrInvalidArgument)
	}

	var comment models.LineComment
	err := q.db.GetContext(ctx, &comment, `
UPDATE landing.line_comment
SET content = $3, updated_at = NOW()
WHERE id = $2 AND request_id = $1
RETURNING *
`, requestID, commentID, content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: line comment %d on request %d", errdefs.ErrNotFound, commentID, requestID)
	} else if err != nil {
		return nil, storeErr("edit line comment", err)
	}
	return &comment, nil
}

// ResolveLineComment marks a comment resolved. Resolution is independent of
// the review trail and allowed at any point while the request is active.
func (q *Queue) ResolveLineComment(ctx context.Context, requestID, commentID int64) (*models.LineComment, error) {
	var comment models.LineComment
	err := q.db.GetContext(ctx, &comment, `
UPDATE landing.line_comment
SET resolved = TRUE, updated_at = NOW()
WHERE id = $2 AND request_id = $1
RETURNING *
`, requestID, commentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: line comment %d on request %d", errdefs.ErrNotFound, commentID, requestID)
	} else if err != nil {
		return nil, storeErr("resolve line comment", err)
	}
	return &comment, nil
}

// GetLineComments returns a request's line comments in order
func (q *Queue) GetLineComments(ctx context.Context, requestID int64) ([]models.LineComment, error) {
	if _, err := q.Get(ctx, requestID); err != nil {
		return nil, err
	}

	comments := make([]models.LineComment, 0)
	err := database.ReadRetry(ctx, func() error {
		return q.db.SelectContext(ctx, &comments, `SELECT * FROM landing.line_comment WHERE request_id = $1 ORDER BY id`, requestID)
	})
	if err != nil {
		return nil, storeErr("list line comments", err)
	}
	return comments, nil
}

// approvalsSatisfied applies the external approval policy: enough approvals
// recorded against the request's current change id, and no request-changes
// review against it.
func (q *Queue) approvalsSatisfied(ctx context.Context, tx *sqlx.Tx, request *models.LandingRequest) (bool, error) {
	var counts struct {
		Approvals int `db:"approvals"`
		Blocks    int `db:"blocks"`
	}
	if err := tx.GetContext(ctx, &counts, `
SELECT COUNT(*) FILTER (WHERE type = $3)  AS approvals,
       COUNT(*) FILTER (WHERE type = $4)  AS blocks
FROM landing.review
WHERE request_id = $1 AND change_id_at_review = $2
`, request.ID, request.ChangeID, models.ReviewApprove, models.ReviewRequestChanges); err != nil {
		return false, storeErr("count reviews", err)
	}

	return counts.Blocks == 0 && counts.Approvals >= q.RequiredApprovals, nil
}
