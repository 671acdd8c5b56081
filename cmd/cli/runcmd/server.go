package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"forge/internal/api"
	"forge/internal/config"
	"forge/internal/landing"
	"forge/internal/runners"
	"forge/internal/scheduler"
	"forge/internal/vcs"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server and the runner sweeper",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running server process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		bus := mustEvents(conf)

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()

			if err := db.Close(); err != nil {
				log.Printf("Could not close db cleanly on shutdown: %v\n", err)
			}

			if err := bus.Close(); err != nil {
				log.Printf("Could not close redis event bus cleanly on shutdown: %v\n", err)
			}
		}()

		sched := scheduler.New(db, bus)
		queue := landing.New(db, vcs.NewJJClient(conf.Landing.JJBinary, conf.Landing.ReposRoot), conf.Landing.RequiredApprovals)
		registry := runners.New(db)
		sweeper := runners.NewSweeper(db, conf.Sweeper.Interval, time.Duration(conf.Sweeper.OfflineAfterSec)*time.Second)

		server := api.New(ctx, sched, queue, registry, &api.Config{
			Host:      conf.Server.Host,
			Port:      conf.Server.Port,
			JWTSecret: conf.Auth.JWTSecret,
		})

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return server.Start(groupCtx)
		})
		group.Go(func() error {
			return sweeper.Start(groupCtx)
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		errCh := make(chan error, 1)
		go func() {
			errCh <- group.Wait()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Fatal().Err(err).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			cancel()
			sweeper.Stop()
			if err := group.Wait(); err != nil {
				log.Error().Err(err).Msg("Shutdown finished with errors")
			}
		}
	},
}
