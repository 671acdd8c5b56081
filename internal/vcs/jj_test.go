package vcs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"forge/internal/vcs"
)

func TestParseConflictList(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected []string
	}{
		{
			name:     "empty output",
			output:   "",
			expected: []string{},
		},
		{
			name:     "single conflict",
			output:   "src/main.rs    2-sided conflict\n",
			expected: []string{"src/main.rs"},
		},
		{
			name:     "multiple conflicts",
			output:   "src/main.rs    2-sided conflict\nREADME.md    2-sided conflict\n",
			expected: []string{"src/main.rs", "README.md"},
		},
		{
			name:     "blank lines are skipped",
			output:   "\nsrc/lib.rs    3-sided conflict\n\n",
			expected: []string{"src/lib.rs"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, vcs.ParseConflictList(tt.output))
		})
	}
}
