// Package auth resolves API principals and checks their permissions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"projectflow/internal/repo"
)

// Permissions understood by the API.
const (
	PermRecordsRead        = "records.read"
	PermRecordsWrite       = "records.write"
	PermRecordsStatusWrite = "records.status.write"
	PermIntakeSubmit       = "intake.submit"
	PermBatchRun           = "batch.run"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

type Principal struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Source      string   `json:"source"`
}

// Policy maps role ids to permission ids, as configured under auth.roles.
type Policy struct {
	Roles map[string][]string
}

// Effective returns the union of the principal's own permissions and those of its roles.
func (p Policy) Effective(pr Principal) []string {
	set := map[string]struct{}{}
	for _, perm := range pr.Permissions {
		set[perm] = struct{}{}
	}
	for _, role := range pr.Roles {
		for _, perm := range p.Roles[role] {
			set[perm] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless the principal holds perm.
func (p Policy) Require(pr Principal, perm string) error {
	for _, have := range p.Effective(pr) {
		if have == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

type claims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Authenticator verifies bearer tokens and API keys.
type Authenticator struct {
	JWTSecret string
	Repo      repo.Repo
}

func (a Authenticator) ParseJWT(token string) (Principal, error) {
	if strings.TrimSpace(a.JWTSecret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(a.JWTSecret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: c.Subject, Roles: c.Roles, Permissions: c.Permissions, Source: "jwt"}, nil
}

// LookupAPIKey resolves a raw key. The key's scopes are treated as role ids.
func (a Authenticator) LookupAPIKey(ctx context.Context, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	k, err := a.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if k.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: k.ActorID, Roles: k.Scopes, Source: "api_key"}, nil
}

// IssueToken signs an HS256 token for subject with the given roles.
func IssueToken(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
