package runcmd

import (
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"forge/internal/config"
	"forge/internal/database"
	"forge/internal/events"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(serverCmd)
	Command.AddCommand(runnerCmd)
}

func mustDatabase(conf *config.FGConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatalf("Could not connect to database: %v", err)
	}

	return db
}

func mustEvents(conf *config.FGConfig) *events.RedisClient {
	client, err := events.NewRedisClient(conf.Events.Host, conf.Events.Password, conf.Events.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis event bus: %v", err)
	}
	return client
}
