package database_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"forge/internal/database"
)

func TestReadRetry(t *testing.T) {
	transient := errors.New("connection reset by peer")

	t.Run("recovers after one transient failure", func(t *testing.T) {
		calls := 0
		err := database.ReadRetry(context.Background(), func() error {
			calls++
			if calls == 1 {
				return transient
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("retries only once", func(t *testing.T) {
		calls := 0
		err := database.ReadRetry(context.Background(), func() error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 2, calls)
	})

	t.Run("empty result is not retried", func(t *testing.T) {
		calls := 0
		err := database.ReadRetry(context.Background(), func() error {
			calls++
			return sql.ErrNoRows
		})
		assert.ErrorIs(t, err, sql.ErrNoRows)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context is not retried", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		err := database.ReadRetry(ctx, func() error {
			calls++
			return transient
		})
		assert.ErrorIs(t, err, transient)
		assert.Equal(t, 1, calls)
	})
}
