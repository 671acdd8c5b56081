package cli

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"forge/internal/config"
	"forge/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)

		db, err := database.New(conf)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to database")
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly")
			}
		}()

		if err := database.Migrate(context.Background(), db); err != nil {
			log.Fatal().Err(err).Msg("Could not apply schema")
		}
		log.Info().Msg("Schema applied")
	},
}
