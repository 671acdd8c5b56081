package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"forge/internal/config"
)

//go:embed schema.sql
var schemaSQL string

func New(conf *config.FGConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate applies the embedded schema. All statements are idempotent
// (CREATE IF NOT EXISTS) so this is safe to run on every startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return err
}

// ReadRetry runs an idempotent read and retries it once when the store
// fails transiently. Empty results and cancelled contexts pass through
// without a second attempt.
func ReadRetry(ctx context.Context, f func() error) error {
	err := f()
	if err == nil || errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
		return err
	}
	return f()
}
