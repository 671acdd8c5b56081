package runners

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"forge/internal/database"
	"forge/internal/models"
)

// Registry registers remote runner processes and tracks their liveness. A
// runner proves identity solely through its bearer token; only the sha256
// digest of the token is stored.
type Registry struct {
	db *sqlx.DB
}

// New creates a new runner registry
func New(db *sqlx.DB) *Registry {
	return &Registry{db: db}
}

// Register creates a runner and issues its long-lived bearer credential.
// The raw token is returned exactly once.
func (r *Registry) Register(ctx context.Context, name, version string, labels []string) (*models.Runner, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("%w: runner name is empty", errdefs.ErrInvalidArgument)
	}
	if labels == nil {
		labels = []string{}
	}

	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return nil, "", fmt.Errorf("%w: could not encode labels: %s", errdefs.ErrInvalidArgument, err)
	}

	token := fmt.Sprintf("fgr_%s", uuid.New().String())

	var runner models.Runner
	if err := r.db.GetContext(ctx, &runner, `
INSERT INTO ci.runner (id, name, version, labels, token_hash, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING *
`, uuid.New().String(), name, version, labelsJSON, HashToken(token), models.RunnerOffline); err != nil {
		log.Error().Err(err).Str("name", name).Msg("Could not register runner")
		return nil, "", fmt.Errorf("%w: register runner: %s", errdefs.ErrUnavailable, err)
	}
	runner.Labels = labels

	log.Info().
		Str("runner_id", runner.ID).
		Str("name", name).
		Strs("labels", labels).
		Msg("Runner registered")

	return &runner, token, nil
}

// Authenticate resolves a bearer token to its runner
func (r *Registry) Authenticate(ctx context.Context, token string) (*models.Runner, error) {
	var runner models.Runner
	if err := r.db.GetContext(ctx, &runner, `SELECT * FROM ci.runner WHERE token_hash = $1`, HashToken(token)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown runner token", errdefs.ErrUnauthenticated)
		}
		log.Error().Err(err).Msg("Could not authenticate runner")
		return nil, fmt.Errorf("%w: authenticate runner: %s", errdefs.ErrUnavailable, err)
	}

	if err := decodeLabels(&runner); err != nil {
		return nil, err
	}
	return &runner, nil
}

// Heartbeat refreshes the runner's liveness. An offline runner comes back
// online; a busy runner stays busy.
func (r *Registry) Heartbeat(ctx context.Context, token string) (*models.Runner, error) {
	var runner models.Runner
	err := r.db.GetContext(ctx, &runner, `
UPDATE ci.runner
SET last_online_at = NOW(),
	status         = CASE WHEN status = $2 THEN $3 ELSE status END
WHERE token_hash = $1
RETURNING *
`, HashToken(token), models.RunnerOffline, models.RunnerOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: unknown runner token", errdefs.ErrUnauthenticated)
	} else if err != nil {
		log.Error().Err(err).Msg("Could not update runner heartbeat")
		return nil, fmt.Errorf("%w: runner heartbeat: %s", errdefs.ErrUnavailable, err)
	}

	if err := decodeLabels(&runner); err != nil {
		return nil, err
	}
	return &runner, nil
}

// List returns all registered runners
func (r *Registry) List(ctx context.Context) ([]models.Runner, error) {
	runners := make([]models.Runner, 0)
	err := database.ReadRetry(ctx, func() error {
		return r.db.SelectContext(ctx, &runners, `SELECT * FROM ci.runner ORDER BY created_at`)
	})
	if err != nil {
		log.Error().Err(err).Msg("Could not list runners")
		return nil, fmt.Errorf("%w: list runners: %s", errdefs.ErrUnavailable, err)
	}

	for i := range runners {
		if err := decodeLabels(&runners[i]); err != nil {
			return nil, err
		}
	}
	return runners, nil
}

// HashToken returns the hex sha256 digest stored for a bearer token. The
// digest doubles as the lookup key, which is why a salted hash cannot be
// used here.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func decodeLabels(runner *models.Runner) error {
	runner.Labels = []string{}
	if len(runner.LabelsJSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(runner.LabelsJSON, &runner.Labels); err != nil {
		return fmt.Errorf("could not decode runner labels: %w", err)
	}
	return nil
}
