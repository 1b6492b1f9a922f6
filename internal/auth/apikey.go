// Package auth issues and validates the JWT API keys used by the local
// emulator. Keys carry a role claim and never expire, like Supabase's anon and
// service_role keys.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the role claim carried by an API key.
type Role string

const (
	RoleAnon        Role = "anon"
	RoleServiceRole Role = "service_role"
)

// ErrMissingKey is returned when a request carries no API key.
var ErrMissingKey = errors.New("no API key found in request")

const issuer = "sbexec"

// Keys signs and validates API keys with a shared HS256 secret.
type Keys struct {
	secret []byte
}

// NewKeys creates a key service for secret.
func NewKeys(secret string) *Keys {
	return &Keys{secret: []byte(secret)}
}

// GenerateSecret returns a random 256-bit secret, hex encoded.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Generate creates a JWT API key with role claim, no expiration
func (k *Keys) Generate(role Role) (string, error) {
	if role != RoleAnon && role != RoleServiceRole {
		return "", fmt.Errorf("unknown role: %s", role)
	}
	claims := jwt.MapClaims{
		"role": string(role),
		"iss":  issuer,
		"iat":  time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(k.secret)
}

// Validate validates a JWT API key and returns its role
func (k *Keys) Validate(tokenString string) (Role, error) {
	if tokenString == "" {
		return "", ErrMissingKey
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid API key: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid API key claims")
	}

	role, ok := claims["role"].(string)
	if !ok {
		return "", fmt.Errorf("API key missing role claim")
	}

	// Validate role is one of the expected values
	if role != string(RoleAnon) && role != string(RoleServiceRole) {
		return "", fmt.Errorf("invalid API key role: %s", role)
	}

	return Role(role), nil
}

type roleKey struct{}

// WithRole stores the caller's role on ctx.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

// RoleFrom returns the role stored by WithRole.
func RoleFrom(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey{}).(Role)
	return role, ok
}
