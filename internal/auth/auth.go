// Package auth guards the HTTP API. Two schemes are supported and either
// is sufficient: a static bearer key compared in constant time, or an
// HS256 JWT validated against a shared secret. With neither configured the
// server runs open, which is the normal mode for a local single-user tool.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/kioku/internal/model"
)

const issuer = "kioku"

// Claims extends jwt.RegisteredClaims with the caller identity.
type Claims struct {
	jwt.RegisteredClaims
	AgentID string `json:"agent_id,omitempty"`
}

// Authenticator validates incoming requests.
type Authenticator struct {
	apiKey    []byte
	jwtSecret []byte
}

// New creates an authenticator. Empty apiKey and jwtSecret disable auth.
func New(apiKey, jwtSecret string) *Authenticator {
	a := &Authenticator{}
	if apiKey != "" {
		a.apiKey = []byte(apiKey)
	}
	if jwtSecret != "" {
		a.jwtSecret = []byte(jwtSecret)
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.apiKey) > 0 || len(a.jwtSecret) > 0
}

// Authenticate checks the request's bearer token against the configured
// schemes. Failures are model.ErrUnauthorized so the HTTP layer maps them
// to 401 without string matching.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.Enabled() {
		return nil
	}

	token, ok := bearerToken(r)
	if !ok {
		return fmt.Errorf("auth: missing bearer token: %w", model.ErrUnauthorized)
	}

	if len(a.apiKey) > 0 &&
		subtle.ConstantTimeCompare([]byte(token), a.apiKey) == 1 {
		return nil
	}
	if len(a.jwtSecret) > 0 {
		if _, err := a.ValidateToken(token); err == nil {
			return nil
		}
	}
	return fmt.Errorf("auth: invalid credentials: %w", model.ErrUnauthorized)
}

// IssueToken creates a signed HS256 JWT for an agent. Used by operators to
// mint credentials for automation that should not hold the static key.
func (a *Authenticator) IssueToken(agentID string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", fmt.Errorf("auth: no JWT secret configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{issuer},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		AgentID: agentID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates an HS256 JWT.
func (a *Authenticator) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return a.jwtSecret, nil
		},
		jwt.WithAudience(issuer),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}

// GenerateKey returns a fresh random API key, hex-encoded.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// bearerToken extracts the token from the Authorization header. The scheme
// comparison is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
