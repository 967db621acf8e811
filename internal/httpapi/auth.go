package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ReviewerClaims identifies who submitted a decision.
type ReviewerClaims struct {
	Reviewer string `json:"reviewer"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens for the review endpoints.
type TokenVerifier struct {
	key    []byte
	issuer string
}

// NewTokenVerifier returns nil for an empty secret, which disables auth.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{key: []byte(secret), issuer: issuer}
}

// Issue signs a token for reviewer, valid for ttl.
func (v *TokenVerifier) Issue(reviewer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ReviewerClaims{
		Reviewer: reviewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   reviewer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}

// Verify parses and validates a token.
func (v *TokenVerifier) Verify(tokenString string) (*ReviewerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ReviewerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*ReviewerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.New("invalid token issuer")
	}
	return claims, nil
}

type reviewerKey struct{}

// Reviewer returns the authenticated reviewer, or "" without auth.
func Reviewer(ctx context.Context) string {
	if c, ok := ctx.Value(reviewerKey{}).(*ReviewerClaims); ok {
		return c.Reviewer
	}
	return ""
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("access_token")
}

// requireAuth rejects requests without a valid token. A nil verifier lets
// everything through.
func requireAuth(v *TokenVerifier, logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	if v == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := v.Verify(bearer(r))
		if err != nil {
			logger.Debug("Rejected unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), reviewerKey{}, claims)))
	}
}
