// Package auth validates bearer credentials presented to the marketplace.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"agentex/internal/repo"
)

// UnauthorizedError reports a rejected credential.
type UnauthorizedError struct {
	Reason string
}

func (e UnauthorizedError) Error() string {
	if e.Reason == "" {
		return "unauthorized"
	}
	return "unauthorized: " + e.Reason
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

// Claims renders the principal as the claim set handed to task handlers.
func (p Principal) Claims() map[string]any {
	if p.ActorID == "" {
		return nil
	}
	out := map[string]any{"sub": p.ActorID, "source": p.Source}
	if len(p.Roles) > 0 {
		out["roles"] = p.Roles
	}
	return out
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// JWTValidator accepts HS256 tokens signed with Secret.
type JWTValidator struct {
	Secret string
}

func (v JWTValidator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if strings.TrimSpace(v.Secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Principal{}, UnauthorizedError{Reason: err.Error()}
	}
	if !parsed.Valid {
		return Principal{}, UnauthorizedError{Reason: "invalid token"}
	}
	if claims.Subject == "" {
		return Principal{}, UnauthorizedError{Reason: "subject claim required"}
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func (v JWTValidator) Validate(ctx context.Context, token string) (map[string]any, error) {
	p, err := v.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return p.Claims(), nil
}

// IssueToken signs a token for subject valid for ttl. A zero ttl never expires.
func IssueToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// APIKeyValidator accepts keys stored hashed in the api_keys table.
type APIKeyValidator struct {
	Repo repo.Repo
}

func (v APIKeyValidator) Authenticate(ctx context.Context, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, UnauthorizedError{Reason: "api key required"}
	}
	apiKey, err := v.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if errors.Is(err, repo.ErrNotFound) {
		return Principal{}, UnauthorizedError{Reason: "unknown api key"}
	}
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, UnauthorizedError{Reason: "api key missing actor"}
	}
	return Principal{ActorID: apiKey.ActorID, Source: "api_key"}, nil
}

func (v APIKeyValidator) Validate(ctx context.Context, key string) (map[string]any, error) {
	p, err := v.Authenticate(ctx, key)
	if err != nil {
		return nil, err
	}
	return p.Claims(), nil
}

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}

// Chain tries each authenticator in order and returns the first accepted principal.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, credential string) (Principal, error) {
	var last error = UnauthorizedError{Reason: "no authenticator configured"}
	for _, a := range c {
		p, err := a.Authenticate(ctx, credential)
		if err == nil {
			return p, nil
		}
		last = err
	}
	return Principal{}, last
}

func (c Chain) Validate(ctx context.Context, credential string) (map[string]any, error) {
	p, err := c.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	return p.Claims(), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
