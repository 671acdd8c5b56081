package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"forge/internal/models"
	"forge/internal/runners"
)

type contextKey string

const (
	actorKey  contextKey = "actor"
	runnerKey contextKey = "runner"
)

// Actor returns the authenticated user for the request, or "" when the
// request is unauthenticated (only possible in tests that skip middleware).
func Actor(r *http.Request) string {
	actor, _ := r.Context().Value(actorKey).(string)
	return actor
}

// RequestRunner returns the authenticated runner for the request
func RequestRunner(r *http.Request) *models.Runner {
	runner, _ := r.Context().Value(runnerKey).(*models.Runner)
	return runner
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// sessionAuth verifies the HS256 session token issued by the auth service
// and injects the subject as the request actor
func sessionAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				http.Error(w, "missing session token", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				http.Error(w, "invalid session token", http.StatusUnauthorized)
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				http.Error(w, "session token has no subject", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// runnerAuth authenticates remote runners by their registration token
func runnerAuth(registry *runners.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing runner token", http.StatusUnauthorized)
				return
			}

			runner, err := registry.Authenticate(r.Context(), token)
			if err != nil {
				serveError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), runnerKey, runner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
