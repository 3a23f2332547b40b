package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/repoworker/repoworker/internal/auth"
	"github.com/repoworker/repoworker/internal/config"
	"github.com/repoworker/repoworker/internal/logger"
)

type contextKey string

const claimsKey contextKey = "auth-claims"

// The literal challenge value matters: docker and helm clients key their
// credential lookup off realm and service.
const wwwAuthenticateChallenge = `Bearer realm="repo-worker",service="repo-worker"`

// TokenAuth gates requests according to the configured mode: disabled
// (everything allowed), anonymous pull (reads open, writes need a token),
// or strict (everything needs a token).
type TokenAuth struct {
	validator     *auth.Validator
	enabled       bool
	anonymousPull bool
	logger        *logrus.Entry
}

func NewTokenAuth(cfg config.AuthConfig, log *logrus.Logger) *TokenAuth {
	return &TokenAuth{
		validator:     auth.NewValidator(cfg.JWTSecret),
		enabled:       cfg.Enabled,
		anonymousPull: cfg.AnonymousPull,
		logger:        logger.ForComponent(log, "auth"),
	}
}

// Handler wraps an http.Handler with token validation.
func (a *TokenAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

		token, ok := auth.ExtractToken(r)
		if !ok {
			if readOnly && a.anonymousPull {
				next.ServeHTTP(w, r)
				return
			}
			a.unauthorized(w, "authentication required")
			return
		}

		claims, err := a.validator.Validate(token)
		if err != nil {
			// An invalid token is rejected even where anonymous access
			// would have been allowed; the client asked to be identified.
			a.logger.WithError(err).Debug("Token validation failed")
			a.unauthorized(w, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *TokenAuth) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", wwwAuthenticateChallenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]interface{}{
			{"code": "UNAUTHORIZED", "message": message},
		},
	})
}

// ClaimsFrom returns the validated claims attached to the request, or nil
// for anonymous requests.
func ClaimsFrom(r *http.Request) *auth.Claims {
	if v := r.Context().Value(claimsKey); v != nil {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}
