package api

import (
	"errors"
	"fmt"
	"strings"

	"forge/internal/models"
)

type CreateRun struct {
	Title             string            `json:"title"`
	Trigger           models.RunTrigger `json:"trigger"`
	Ref               string            `json:"ref"`
	CommitID          string            `json:"commit_id"`
	DefinitionPath    string            `json:"definition_path"`
	DefinitionContent string            `json:"definition_content"`
}

func (c *CreateRun) validate() error {
	var errs []error

	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		errs = append(errs, errors.New("title is empty"))
	}

	if c.Trigger == "" {
		c.Trigger = models.TriggerManual
	}
	if !c.Trigger.Valid() {
		errs = append(errs, fmt.Errorf("%q is not a valid trigger", c.Trigger))
	}

	if strings.TrimSpace(c.DefinitionContent) == "" {
		errs = append(errs, errors.New("definition_content is empty"))
	}

	return errors.Join(errs...)
}

type RegisterRunner struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Labels  []string `json:"labels"`
}

func (c *RegisterRunner) validate() error {
	var errs []error

	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}

	for i, label := range c.Labels {
		if strings.TrimSpace(label) == "" {
			errs = append(errs, fmt.Errorf("label %d is empty", i+1))
		}
	}

	return errors.Join(errs...)
}

type ReportTaskStatus struct {
	Token  string           `json:"token"`
	Status models.RunStatus `json:"status"`
}

func (c *ReportTaskStatus) validate() error {
	var errs []error

	if c.Token == "" {
		errs = append(errs, errors.New("token is empty"))
	}

	if !c.Status.Valid() {
		errs = append(errs, fmt.Errorf("%q is not a valid status", c.Status))
	} else if c.Status == models.StatusQueued {
		errs = append(errs, errors.New("a runner cannot report a task back to queued"))
	}

	return errors.Join(errs...)
}

type AppendTaskLogs struct {
	Token     string   `json:"token"`
	StepIndex int      `json:"step_index"`
	Lines     []string `json:"lines"`
}

func (c *AppendTaskLogs) validate() error {
	var errs []error

	if c.Token == "" {
		errs = append(errs, errors.New("token is empty"))
	}

	if c.StepIndex < 0 {
		errs = append(errs, errors.New("step_index must be >= 0"))
	}

	if len(c.Lines) == 0 {
		errs = append(errs, errors.New("lines is empty"))
	}

	return errors.Join(errs...)
}

type SubmitLanding struct {
	ChangeID       string `json:"change_id"`
	TargetBookmark string `json:"target_bookmark"`
	Title          string `json:"title"`
	Description    string `json:"description"`
}

func (c *SubmitLanding) validate() error {
	var errs []error

	c.ChangeID = strings.TrimSpace(c.ChangeID)
	if c.ChangeID == "" {
		errs = append(errs, errors.New("change_id is empty"))
	}

	c.TargetBookmark = strings.TrimSpace(c.TargetBookmark)
	if c.TargetBookmark == "" {
		errs = append(errs, errors.New("target_bookmark is empty"))
	}

	c.Title = strings.TrimSpace(c.Title)
	if c.Title == "" {
		errs = append(errs, errors.New("title is empty"))
	}

	return errors.Join(errs...)
}

type AddReview struct {
	Type    models.ReviewType `json:"type"`
	Content string            `json:"content"`
}

func (c *AddReview) validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%q is not a valid review type", c.Type)
	}
	return nil
}

type AddLineComment struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Content  string `json:"content"`
}

func (c *AddLineComment) validate() error {
	var errs []error

	c.FilePath = strings.TrimSpace(c.FilePath)
	if c.FilePath == "" {
		errs = append(errs, errors.New("file_path is empty"))
	}

	if c.Line < 1 {
		errs = append(errs, errors.New("line must be >= 1"))
	}

	if strings.TrimSpace(c.Content) == "" {
		errs = append(errs, errors.New("content is empty"))
	}

	return errors.Join(errs...)
}

type EditLineComment struct {
	Content string `json:"content"`
}

func (c *EditLineComment) validate() error {
	if strings.TrimSpace(c.Content) == "" {
		return errors.New("content is empty")
	}
	return nil
}
