package runners

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"forge/internal/models"
)

// Sweeper periodically marks runners with stale heartbeats offline. This is
// a liveness signal for operators only: a stale runner's claimed tasks are
// never requeued automatically, because without fencing a returning runner
// could execute the same side-effecting build twice.
type Sweeper struct {
	db           *sqlx.DB
	cron         *cron.Cron
	schedule     string
	offlineAfter time.Duration

	isRunning bool // checks if start has been called
}

// NewSweeper creates a sweeper with a cron schedule (e.g. "@every 1m")
func NewSweeper(db *sqlx.DB, schedule string, offlineAfter time.Duration) *Sweeper {
	return &Sweeper{
		db:           db,
		cron:         cron.New(cron.WithLocation(time.UTC)),
		schedule:     schedule,
		offlineAfter: offlineAfter,
		isRunning:    false,
	}
}

// Start begins the sweep schedule
func (s *Sweeper) Start(ctx context.Context) error {
	if s.isRunning {
		return nil
	}
	s.isRunning = true

	if _, err := s.cron.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return // Context cancelled
		}
		s.Sweep(ctx)
	}); err != nil {
		log.Error().Err(err).Str("schedule", s.schedule).Msg("Failed to schedule runner sweep")
		return err
	}

	s.cron.Start()
	return nil
}

// Stop stops the sweep schedule
func (s *Sweeper) Stop() {
	if !s.isRunning {
		return
	}
	s.cron.Stop()
	s.isRunning = false
}

// Sweep flips every runner whose heartbeat is older than the threshold to
// offline
func (s *Sweeper) Sweep(ctx context.Context) {
	result, err := s.db.ExecContext(ctx, `
UPDATE ci.runner
SET status = $1
WHERE status <> $1
  AND (last_online_at IS NULL OR last_online_at < NOW() - MAKE_INTERVAL(secs => $2))
`, models.RunnerOffline, s.offlineAfter.Seconds())
	if err != nil {
		log.Error().Err(err).Msg("Could not sweep stale runners")
		return
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		log.Info().Int64("runners", n).Msg("Marked stale runners offline")
	}
}
