package runcmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"forge/internal/config"
	"forge/internal/events"
	"forge/internal/runner"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Runs a runner agent process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running runner agent process")
		conf := config.FromCobraCmd(cmd)

		token := mustRunnerToken(conf)
		client := runner.NewClient(conf.Runner.ServerURL, token)

		var bus events.Client
		if conf.Events.Host != "" {
			bus = mustEvents(conf)
		}

		ctx, cancel := context.WithCancel(context.Background())
		agent := runner.New(conf.Runner.Name, client, bus)
		agent.WorkDir = conf.Runner.WorkDir
		if conf.Runner.PollIntervalSec > 0 {
			agent.PollInterval = time.Duration(conf.Runner.PollIntervalSec) * time.Second
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- agent.Start(ctx)
		}()

		defer func() {
			if bus != nil {
				if err := bus.Close(); err != nil {
					log.Printf("Could not close redis event bus cleanly on shutdown: %v\n", err)
				}
			}

			cancel()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != context.Canceled {
				log.Fatal().Err(err).Str("runner", agent.Name).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}

// mustRunnerToken loads the runner credential from the token file, registering
// with the server on first start and persisting the issued token
func mustRunnerToken(conf *config.FGConfig) string {
	if data, err := os.ReadFile(conf.Runner.TokenFile); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token
		}
	}

	client := runner.NewClient(conf.Runner.ServerURL, "")
	resp, err := client.Register(context.Background(), conf.Runner.Name, conf.Runner.Version, conf.Runner.Labels)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not register runner")
	}

	if err := os.WriteFile(conf.Runner.TokenFile, []byte(resp.Token+"\n"), 0o600); err != nil {
		log.Fatal().Err(err).Str("path", conf.Runner.TokenFile).Msg("Could not persist runner token")
	}

	log.Info().Str("runner_id", resp.Runner.ID).Msg("Registered runner")
	return resp.Token
}
