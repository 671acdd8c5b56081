package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// JJClient drives a local jj binary. Each repository lives under
// root/<repo_id>.
type JJClient struct {
	Binary string
	Root   string
}

func NewJJClient(binary, root string) *JJClient {
	if binary == "" {
		binary = "jj"
	}
	return &JJClient{Binary: binary, Root: root}
}

func (c *JJClient) repoPath(repoID int64) string {
	return filepath.Join(c.Root, strconv.FormatInt(repoID, 10))
}

// CheckConflicts probes a merge of the change with the bookmark tip in a
// scratch commit, lists conflicted paths, then undoes the probe.
func (c *JJClient) CheckConflicts(ctx context.Context, repoID int64, changeID, bookmark string) (*ConflictReport, error) {
	repo := c.repoPath(repoID)

	if _, _, err := c.run(ctx, repo, "new", changeID, bookmark, "-m", "forge: conflict probe"); err != nil {
		return nil, fmt.Errorf("could not create probe commit for change %s onto %s: %w", changeID, bookmark, err)
	}
	// best effort cleanup of the probe commit, even if the list fails
	defer func() {
		if _, _, err := c.run(ctx, repo, "abandon", "@"); err != nil {
			log.Error().
				Err(err).
				Int64("repo_id", repoID).
				Str("change_id", changeID).
				Msg("Could not abandon conflict probe commit")
		}
	}()

	stdout, _, err := c.run(ctx, repo, "resolve", "--list")
	if err != nil {
		// jj exits non-zero when the working copy has no conflicts
		return &ConflictReport{HasConflicts: false, Files: []string{}}, nil
	}

	files := ParseConflictList(stdout)
	return &ConflictReport{HasConflicts: len(files) > 0, Files: files}, nil
}

// Land rebases the change onto the bookmark tip, points the bookmark at it
// and returns the resulting commit id.
func (c *JJClient) Land(ctx context.Context, repoID int64, changeID, bookmark string) (string, error) {
	repo := c.repoPath(repoID)

	if _, stderr, err := c.run(ctx, repo, "rebase", "-r", changeID, "-d", bookmark); err != nil {
		return "", fmt.Errorf("rebase of %s onto %s failed: %w (%s)", changeID, bookmark, err, strings.TrimSpace(stderr))
	}

	if _, stderr, err := c.run(ctx, repo, "bookmark", "set", bookmark, "-r", changeID); err != nil {
		return "", fmt.Errorf("could not move bookmark %s to %s: %w (%s)", bookmark, changeID, err, strings.TrimSpace(stderr))
	}

	stdout, _, err := c.run(ctx, repo, "log", "-r", changeID, "--no-graph", "-T", "commit_id")
	if err != nil {
		return "", fmt.Errorf("could not resolve landed commit for %s: %w", changeID, err)
	}

	landed := strings.TrimSpace(stdout)
	if landed == "" {
		return "", fmt.Errorf("jj returned an empty commit id for change %s", changeID)
	}
	return landed, nil
}

func (c *JJClient) run(ctx context.Context, repo string, args ...string) (string, string, error) {
	cmdArgs := append([]string{"--repository", repo}, args...)
	cmd := exec.CommandContext(ctx, c.Binary, cmdArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().
		Str("binary", c.Binary).
		Strs("args", cmdArgs).
		Msg("Executing jj")

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ParseConflictList extracts file paths from `jj resolve --list` output.
// Each line looks like "src/main.rs    2-sided conflict".
func ParseConflictList(output string) []string {
	files := make([]string, 0)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		files = append(files, fields[0])
	}
	return files
}
