package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/GearAuctionService/internal/models"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(models.Identity)
	return id, ok
}

func AuthMiddleware(verifier IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, msg := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				slog.Warn("token rejected", "path", r.URL.Path, "error", err)
				if errors.Is(err, pkgerrors.ErrUpstreamUnavailable) {
					writeAuthError(w, http.StatusServiceUnavailable, "identity service unavailable")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "authorization header missing"
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", "invalid authorization header"
	}
	return parts[1], ""
}

// TokenRevoker invalidates a bearer token before it expires.
type TokenRevoker interface {
	Revoke(ctx context.Context, token string) error
}

// LogoutHandler revokes the presented token. It is mounted behind
// AuthMiddleware, so the token has already been verified once.
func LogoutHandler(revoker TokenRevoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, msg := bearerToken(r)
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, msg)
			return
		}
		if err := revoker.Revoke(r.Context(), token); err != nil {
			slog.Warn("logout failed", "path", r.URL.Path, "error", err)
			switch {
			case errors.Is(err, pkgerrors.ErrUpstreamUnavailable):
				writeAuthError(w, http.StatusServiceUnavailable, "identity service unavailable")
			case errors.Is(err, pkgerrors.ErrInvalidInput):
				writeAuthError(w, http.StatusBadRequest, "token cannot be revoked")
			default:
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CronSecretMiddleware guards scheduler hooks with a shared secret whose
// bcrypt hash is configured.
func CronSecretMiddleware(secretHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-Cron-Secret")
			if secretHash == "" || secret == "" {
				writeAuthError(w, http.StatusUnauthorized, "cron secret missing")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)); err != nil {
				slog.Warn("invalid cron secret", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeAuthError(w, http.StatusUnauthorized, "invalid cron secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
