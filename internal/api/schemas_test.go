package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"forge/internal/models"
)

func TestCreateRun_Validate(t *testing.T) {
	tests := []struct {
		name        string
		payload     CreateRun
		expectError bool
	}{
		{
			name: "valid",
			payload: CreateRun{
				Title:             "CI for abc123",
				Trigger:           models.TriggerPush,
				DefinitionContent: "name: ci\njobs: []",
			},
			expectError: false,
		},
		{
			name: "empty trigger defaults to manual",
			payload: CreateRun{
				Title:             "manual run",
				DefinitionContent: "name: ci",
			},
			expectError: false,
		},
		{
			name: "missing title",
			payload: CreateRun{
				Trigger:           models.TriggerPush,
				DefinitionContent: "name: ci",
			},
			expectError: true,
		},
		{
			name: "bad trigger",
			payload: CreateRun{
				Title:             "x",
				Trigger:           "cron",
				DefinitionContent: "name: ci",
			},
			expectError: true,
		},
		{
			name: "missing definition",
			payload: CreateRun{
				Title:   "x",
				Trigger: models.TriggerManual,
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateRun_ValidateDefaultsTrigger(t *testing.T) {
	payload := CreateRun{Title: "x", DefinitionContent: "name: ci"}
	assert.NoError(t, payload.validate())
	assert.Equal(t, models.TriggerManual, payload.Trigger)
}

func TestReportTaskStatus_Validate(t *testing.T) {
	tests := []struct {
		name        string
		payload     ReportTaskStatus
		expectError bool
	}{
		{"terminal status", ReportTaskStatus{Token: "t", Status: models.StatusSucceeded}, false},
		{"running status", ReportTaskStatus{Token: "t", Status: models.StatusRunning}, false},
		{"queued is not reportable", ReportTaskStatus{Token: "t", Status: models.StatusQueued}, true},
		{"unknown status", ReportTaskStatus{Token: "t", Status: "done"}, true},
		{"missing token", ReportTaskStatus{Status: models.StatusFailed}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAppendTaskLogs_Validate(t *testing.T) {
	tests := []struct {
		name        string
		payload     AppendTaskLogs
		expectError bool
	}{
		{"valid", AppendTaskLogs{Token: "t", StepIndex: 0, Lines: []string{"hello"}}, false},
		{"negative step", AppendTaskLogs{Token: "t", StepIndex: -1, Lines: []string{"x"}}, true},
		{"no lines", AppendTaskLogs{Token: "t", StepIndex: 0}, true},
		{"missing token", AppendTaskLogs{StepIndex: 0, Lines: []string{"x"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubmitLanding_Validate(t *testing.T) {
	valid := SubmitLanding{
		ChangeID:       "zxqkowtr",
		TargetBookmark: "main",
		Title:          "Fix the parser",
	}
	assert.NoError(t, valid.validate())

	missingChange := valid
	missingChange.ChangeID = "  "
	assert.Error(t, missingChange.validate())

	missingBookmark := valid
	missingBookmark.TargetBookmark = ""
	assert.Error(t, missingBookmark.validate())

	missingTitle := valid
	missingTitle.Title = ""
	assert.Error(t, missingTitle.validate())
}

func TestAddReview_Validate(t *testing.T) {
	assert.NoError(t, (&AddReview{Type: models.ReviewApprove}).validate())
	assert.NoError(t, (&AddReview{Type: models.ReviewRequestChanges, Content: "needs tests"}).validate())
	assert.Error(t, (&AddReview{Type: "lgtm"}).validate())
}

func TestAddLineComment_Validate(t *testing.T) {
	valid := AddLineComment{FilePath: "src/parser.rs", Line: 10, Content: "why?"}
	assert.NoError(t, valid.validate())

	badLine := valid
	badLine.Line = 0
	assert.Error(t, badLine.validate())

	noFile := valid
	noFile.FilePath = ""
	assert.Error(t, noFile.validate())

	noContent := valid
	noContent.Content = "  "
	assert.Error(t, noContent.validate())
}
