package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/honeynil/GearAuctionService/internal/infrastructure/redis"
	"github.com/honeynil/GearAuctionService/internal/models"
	pkgerrors "github.com/honeynil/GearAuctionService/pkg/errors"
)

const revokedPrefix = "token:revoked:"

// IdentityVerifier turns a bearer token into the caller's identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Role          string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens and consults Redis for revoked token IDs.
type JWTVerifier struct {
	secret  []byte
	revoked redis.RedisClient
}

func NewJWTVerifier(secret string, revoked redis.RedisClient) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), revoked: revoked}
}

func (v *JWTVerifier) Verify(ctx context.Context, raw string) (models.Identity, error) {
	claims, err := v.parse(ctx, raw)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{
		UserID:        claims.Subject,
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: claims.EmailVerified,
		Role:          claims.Role,
	}, nil
}

// parse validates raw and checks its token ID against the revocation list.
func (v *JWTVerifier) parse(ctx context.Context, raw string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: verifier has no secret", pkgerrors.ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || strings.TrimSpace(claims.Email) == "" {
		return nil, fmt.Errorf("%w: token has no subject or email", pkgerrors.ErrUnauthenticated)
	}

	if claims.ID != "" && v.revoked != nil {
		revoked, err := v.revoked.Exists(ctx, revokedPrefix+claims.ID)
		if err != nil {
			// fail closed
			slog.Error("failed to check token revocation", "jti", claims.ID, "error", err)
			return nil, fmt.Errorf("%w: revocation check: %v", pkgerrors.ErrUpstreamUnavailable, err)
		}
		if revoked {
			slog.Warn("revoked token presented", "jti", claims.ID, "user_id", claims.Subject)
			return nil, fmt.Errorf("%w: token revoked", pkgerrors.ErrUnauthenticated)
		}
	}
	return claims, nil
}

// Revoke blocks the token until it would have expired anyway. Tokens without
// an ID cannot be revoked.
func (v *JWTVerifier) Revoke(ctx context.Context, raw string) error {
	claims, err := v.parse(ctx, raw)
	if err != nil {
		return err
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: token has no id", pkgerrors.ErrInvalidInput)
	}
	if v.revoked == nil {
		return fmt.Errorf("%w: no revocation store", pkgerrors.ErrUpstreamUnavailable)
	}

	// ExpiresAt is required by parse
	ttl := time.Until(claims.ExpiresAt.Time) + time.Minute
	if err := v.revoked.Set(ctx, revokedPrefix+claims.ID, claims.Subject, ttl); err != nil {
		slog.Error("failed to revoke token", "jti", claims.ID, "error", err)
		return fmt.Errorf("%w: revoke token: %v", pkgerrors.ErrUpstreamUnavailable, err)
	}
	slog.Info("token revoked", "jti", claims.ID, "user_id", claims.Subject)
	return nil
}
