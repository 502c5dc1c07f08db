package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"projectflow/internal/auth"
	"projectflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	Repo      repo.Repo
	Logger    *slog.Logger
}

func principalFromRequest(ctx context.Context) (auth.Principal, huma.StatusError) {
	if p, ok := auth.FromContext(ctx); ok {
		return p, nil
	}
	return auth.Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	authn := auth.Authenticator{JWTSecret: cfg.JWTSecret, Repo: cfg.Repo}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for the API base path.
			if !strings.HasPrefix(req.URL.Path, basePath) || req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			var (
				principal auth.Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, invalid)
					return
				}
				principal, err = authn.ParseJWT(token)
			case apiKey != "":
				principal, err = authn.LookupAPIKey(req.Context(), apiKey)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if err != nil {
				logger.Debug("authentication rejected", "path", req.URL.Path, "error", err)
				respondStatusError(w, invalid)
				return
			}
			next.ServeHTTP(w, req.WithContext(auth.WithPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
