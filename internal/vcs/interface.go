package vcs

import "context"

// ConflictReport is the outcome of testing whether a change still applies
// cleanly onto a bookmark tip.
type ConflictReport struct {
	HasConflicts bool     `json:"has_conflicts"`
	Files        []string `json:"files"`
}

// Client is the boundary to the version-control engine. Changes and
// bookmarks are opaque identifiers; the forge never inspects their content.
type Client interface {
	// CheckConflicts tests whether the change applies cleanly onto the
	// current tip of the bookmark.
	CheckConflicts(ctx context.Context, repoID int64, changeID, bookmark string) (*ConflictReport, error)

	// Land merges the change onto the bookmark and advances the bookmark to
	// it. Returns the resulting change id.
	Land(ctx context.Context, repoID int64, changeID, bookmark string) (string, error)
}
