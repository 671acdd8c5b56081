package models

import (
	"time"

	"github.com/guregu/null/v5"
)

// This file contains all the models under the `landing` schema

type LandingStatus string

const (
	LandingPending   LandingStatus = "pending"
	LandingChecking  LandingStatus = "checking"
	LandingReady     LandingStatus = "ready"
	LandingConflict  LandingStatus = "conflict"
	LandingLanded    LandingStatus = "landed"
	LandingCancelled LandingStatus = "cancelled"
)

// Active reports whether the request still participates in the queue.
// Landed and cancelled requests are inert.
func (s LandingStatus) Active() bool {
	return s != LandingLanded && s != LandingCancelled
}

type ReviewType string

const (
	ReviewApprove        ReviewType = "approve"
	ReviewRequestChanges ReviewType = "request_changes"
	ReviewComment        ReviewType = "comment"
)

func (t ReviewType) Valid() bool {
	switch t {
	case ReviewApprove, ReviewRequestChanges, ReviewComment:
		return true
	default:
		return false
	}
}

// LandingRequest is a model representing the `landing.request` table
type LandingRequest struct {
	ID                int64         `db:"id" json:"id"`
	RepoID            int64         `db:"repo_id" json:"repo_id"`
	ChangeID          string        `db:"change_id" json:"change_id"`
	TargetBookmark    string        `db:"target_bookmark" json:"target_bookmark"`
	Title             string        `db:"title" json:"title"`
	Description       null.String   `db:"description" json:"description"`
	Author            string        `db:"author" json:"author"`
	Status            LandingStatus `db:"status" json:"status"`
	HasConflicts      bool          `db:"has_conflicts" json:"has_conflicts"`
	ConflictFilesJSON []byte        `db:"conflict_files" json:"-"`
	ConflictFiles     []string      `db:"-" json:"conflict_files"`
	LandedChangeID    null.String   `db:"landed_change_id" json:"landed_change_id"`
	LandedBy          null.String   `db:"landed_by" json:"landed_by"`
	LandedAt          null.Time     `db:"landed_at" json:"landed_at"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

// LandingReview is a model representing the `landing.review` table. The
// change id at review time is recorded so stale reviews can be detected
// after the change is amended.
type LandingReview struct {
	ID               int64       `db:"id" json:"id"`
	RequestID        int64       `db:"request_id" json:"request_id"`
	Reviewer         string      `db:"reviewer" json:"reviewer"`
	Type             ReviewType  `db:"type" json:"type"`
	Content          null.String `db:"content" json:"content"`
	ChangeIDAtReview string      `db:"change_id_at_review" json:"change_id_at_review"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
}

// LineComment is a model representing the `landing.line_comment` table
type LineComment struct {
	ID        int64     `db:"id" json:"id"`
	RequestID int64     `db:"request_id" json:"request_id"`
	Author    string    `db:"author" json:"author"`
	FilePath  string    `db:"file_path" json:"file_path"`
	Line      int       `db:"line" json:"line"`
	Content   string    `db:"content" json:"content"`
	Resolved  bool      `db:"resolved" json:"resolved"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
