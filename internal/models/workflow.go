package models

import (
	"time"

	"github.com/guregu/null/v5"
)

// This file contains all the models under the `ci` schema

// RunStatus is the shared status domain for runs, jobs and tasks. The three
// entities deliberately reuse one closed enumeration so the bottom-up rollup
// never has to translate between status sets.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
	StatusErrored   RunStatus = "errored"
)

// Terminal reports whether the status is absorbing. No transition ever
// leaves a terminal status.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a member of the status domain.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}

// severity orders terminal statuses for the worst-of rollup. Higher wins.
func (s RunStatus) severity() int {
	switch s {
	case StatusSucceeded:
		return 0
	case StatusCancelled:
		return 1
	case StatusFailed:
		return 2
	case StatusErrored:
		return 3
	default:
		return 0
	}
}

// Rollup derives a parent status from its children. A parent is terminal
// only when every child is terminal; among terminal children the worst
// status dominates (errored > failed > cancelled > succeeded).
func Rollup(children []RunStatus) RunStatus {
	if len(children) == 0 {
		return StatusQueued
	}

	allQueued := true
	allTerminal := true
	for _, c := range children {
		if c != StatusQueued {
			allQueued = false
		}
		if !c.Terminal() {
			allTerminal = false
		}
	}

	switch {
	case allQueued:
		return StatusQueued
	case !allTerminal:
		return StatusRunning
	}

	worst := children[0]
	for _, c := range children[1:] {
		if c.severity() > worst.severity() {
			worst = c
		}
	}
	return worst
}

type RunTrigger string

const (
	TriggerPush         RunTrigger = "push"
	TriggerManual       RunTrigger = "manual"
	TriggerLandingCheck RunTrigger = "landing-check"
)

func (t RunTrigger) Valid() bool {
	switch t {
	case TriggerPush, TriggerManual, TriggerLandingCheck:
		return true
	default:
		return false
	}
}

// WorkflowRun is a model representing the `ci.run` table
type WorkflowRun struct {
	ID        int64       `db:"id" json:"id"`
	RepoID    int64       `db:"repo_id" json:"repo_id"`
	RunNumber int64       `db:"run_number" json:"run_number"`
	Title     string      `db:"title" json:"title"`
	Trigger   RunTrigger  `db:"trigger" json:"trigger"`
	Actor     string      `db:"actor" json:"actor"`
	Ref       null.String `db:"ref" json:"ref"`
	CommitID  null.String `db:"commit_id" json:"commit_id"`
	Status    RunStatus   `db:"status" json:"status"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	StoppedAt null.Time   `db:"stopped_at" json:"stopped_at"`
}

// WorkflowJob is a model representing the `ci.job` table
type WorkflowJob struct {
	ID         int64     `db:"id" json:"id"`
	RunID      int64     `db:"run_id" json:"run_id"`
	Name       string    `db:"name" json:"name"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Status     RunStatus `db:"status" json:"status"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// WorkflowTask is a model representing the `ci.task` table. The workflow
// definition is embedded so a claiming runner needs no separate fetch.
type WorkflowTask struct {
	ID                int64       `db:"id" json:"id"`
	JobID             int64       `db:"job_id" json:"job_id"`
	Attempt           int         `db:"attempt" json:"attempt"`
	RepoID            int64       `db:"repo_id" json:"repo_id"`
	CommitID          string      `db:"commit_id" json:"commit_id"`
	DefinitionPath    string      `db:"definition_path" json:"definition_path"`
	DefinitionContent string      `db:"definition_content" json:"definition_content"`
	RunnerID          null.String `db:"runner_id" json:"runner_id"`
	Token             null.String `db:"token" json:"-"`
	Status            RunStatus   `db:"status" json:"status"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	StartedAt         null.Time   `db:"started_at" json:"started_at"`
	StoppedAt         null.Time   `db:"stopped_at" json:"stopped_at"`
}

// WorkflowLog is a model representing the `ci.log` table. Line numbers are
// gap-free and strictly increasing within a (task, step) pair.
type WorkflowLog struct {
	TaskID     int64     `db:"task_id" json:"task_id"`
	StepIndex  int       `db:"step_index" json:"step_index"`
	LineNumber int64     `db:"line_number" json:"line_number"`
	Content    string    `db:"content" json:"content"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type RunnerStatus string

const (
	RunnerOffline RunnerStatus = "offline"
	RunnerOnline  RunnerStatus = "online"
	RunnerBusy    RunnerStatus = "busy"
)

// Runner is a model representing the `ci.runner` table. Only the token
// digest is stored, never the raw credential.
type Runner struct {
	ID           string       `db:"id" json:"id"`
	Name         string       `db:"name" json:"name"`
	Version      string       `db:"version" json:"version"`
	LabelsJSON   []byte       `db:"labels" json:"-"`
	Labels       []string     `db:"-" json:"labels"`
	TokenHash    string       `db:"token_hash" json:"-"`
	Status       RunnerStatus `db:"status" json:"status"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	LastOnlineAt null.Time    `db:"last_online_at" json:"last_online_at"`
}
