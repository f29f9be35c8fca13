// Package auth resolves opaque session tokens to user IDs. Token issuance
// (login, session lifetime) lives in the product's auth module; it writes
// token keys into Redis and this package only looks them up.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rohanbhuri/bhuri-sap-messaging/internal/apperr"
)

// TokenPrefix is the Redis key prefix for session tokens.
// Key: token:<token>  Value: user ID. TTL is managed by the auth module.
const TokenPrefix = "token:"

// Authenticator resolves a bearer token to the calling user's ID.
type Authenticator interface {
	UserFromToken(ctx context.Context, token string) (string, error)
}

// RedisAuthenticator looks tokens up in Redis.
type RedisAuthenticator struct {
	client *redis.Client
}

// NewRedisAuthenticator creates an Authenticator backed by the given Redis client.
func NewRedisAuthenticator(client *redis.Client) *RedisAuthenticator {
	return &RedisAuthenticator{client: client}
}

// UserFromToken returns the user ID for a live session token. Unknown or
// expired tokens yield apperr.ErrUnauthorized.
func (a *RedisAuthenticator) UserFromToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.ErrUnauthorized
	}

	userID, err := a.client.Get(ctx, TokenPrefix+token).Result()
	if errors.Is(err, redis.Nil) {
		return "", apperr.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("auth: token lookup: %w", err)
	}
	return userID, nil
}

// StaticAuthenticator maps tokens to user IDs in memory, for tests.
type StaticAuthenticator map[string]string

// UserFromToken resolves the token against the configured map.
func (a StaticAuthenticator) UserFromToken(_ context.Context, token string) (string, error) {
	userID, ok := a[token]
	if !ok {
		return "", apperr.ErrUnauthorized
	}
	return userID, nil
}
