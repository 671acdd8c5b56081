package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"forge/internal/landing"
	"forge/internal/runners"
	"forge/internal/scheduler"
)

type Server struct {
	ctx    context.Context
	router *chi.Mux
	config *Config
}

type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// New creates a new API server instance. User-facing routes sit behind the
// session middleware, runner routes behind the runner token middleware.
func New(ctx context.Context, sched *scheduler.Scheduler, queue *landing.Queue, registry *runners.Registry, config *Config) *Server {
	s := &Server{
		ctx:    ctx,
		router: chi.NewRouter(),
		config: config,
	}

	// Set up middleware
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)

	s.router.Route("/api", func(r chi.Router) {
		runnerRouter := NewRunnerRouter(ctx, sched, registry, r)

		r.Group(func(r chi.Router) {
			r.Use(sessionAuth(config.JWTSecret))
			NewRunRouter(ctx, sched, r)
			NewLandingRouter(ctx, queue, r)
			r.Get("/runners", runnerRouter.List)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the HTTP server until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Could not shut down API server cleanly")
		}
	}()

	log.Info().Str("addr", server.Addr).Msg("API server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func readJson(w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		log.Error().Err(err).Msg("JSON encoding issue")
	}
}

// serveError translates store errors into HTTP statuses
func serveError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errdefs.IsNotFound(err):
		status = http.StatusNotFound
	case errdefs.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case errdefs.IsFailedPrecondition(err), errdefs.IsConflict(err):
		status = http.StatusConflict
	case errdefs.IsUnauthorized(err):
		status = http.StatusUnauthorized
	default:
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
