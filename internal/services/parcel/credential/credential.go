// Package credential handles single-use access credentials attached to parcel
// requests. Signature verification belongs to the upstream auth layer; this
// package only extracts the requester identity and the cache key used for
// invalidation after use.
package credential

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Store invalidates single-use credentials by cache key. Invalidation is
// idempotent and side-effect-only.
type Store interface {
	Invalidate(ctx context.Context, key string) error
}

// Identity is the requester identity and invalidation key carried by a token.
type Identity struct {
	User string
	Key  string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	User string `json:"user"`
}

// FromToken extracts the requester identity from an access token. The token
// signature is not checked here; the verifying auth layer runs upstream.
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("access token is required")
	}

	var claims tokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	user := strings.TrimSpace(claims.User)
	if user == "" {
		user = strings.TrimSpace(claims.Subject)
	}
	if user == "" {
		return Identity{}, fmt.Errorf("access token carries no user claim")
	}

	key := "token:" + user
	if jti := strings.TrimSpace(claims.ID); jti != "" {
		key += ":" + jti
	}
	return Identity{User: user, Key: key}, nil
}
