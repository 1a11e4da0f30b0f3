// Package auth verifies the bearer credential presented at connection time
// and resolves it to a user identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/1F47E/geo-presence/pkg/models"
)

var (
	// ErrMissingCredential is returned when no token was presented
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidSignature is returned for malformed, expired or badly signed tokens
	ErrInvalidSignature = errors.New("invalid token")
	// ErrUnknownSubject is returned when the token subject has no account
	ErrUnknownSubject = errors.New("unknown subject")
	// ErrIdentityUnverified is returned for accounts whose email is not confirmed
	ErrIdentityUnverified = errors.New("identity not verified")
)

// Verifier turns a bearer credential into a user ID
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// UserDirectory resolves a user ID to its identity record.
// Implementations return models.ErrUserNotFound for unknown users.
type UserDirectory interface {
	LookupIdentity(ctx context.Context, userID string) (*models.Identity, error)
}

// JWTVerifier checks HS256 tokens and gates on the user's verified email
type JWTVerifier struct {
	secret []byte
	users  UserDirectory
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier. With a nil directory the token subject
// is trusted as-is, which is only meant for local development.
func NewJWTVerifier(secret string, users UserDirectory) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify implements Verifier
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingCredential
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: no subject", ErrInvalidSignature)
	}

	if v.users == nil {
		return claims.Subject, nil
	}

	identity, err := v.users.LookupIdentity(ctx, claims.Subject)
	if errors.Is(err, models.ErrUserNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubject, claims.Subject)
	}
	if err != nil {
		return "", fmt.Errorf("lookup subject %s: %w", claims.Subject, err)
	}
	if !identity.EmailVerified {
		return "", ErrIdentityUnverified
	}
	return identity.UserID, nil
}

// IssueToken signs an HS256 token for userID
func IssueToken(secret, userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
