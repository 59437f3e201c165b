package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyPrefix is the prefix for all generated API keys
	KeyPrefix = "fek_"
	// KeyLength is the length of the random part of a secret (32 bytes = 256 bits)
	KeyLength = 32
	// BCryptCost is the cost factor for bcrypt hashing
	BCryptCost = bcrypt.DefaultCost
)

// Role represents the access level of an API key
type Role string

const (
	// RoleClient may read snapshots and request evaluations.
	RoleClient Role = "client"
	// RoleAdmin may additionally issue commands.
	RoleAdmin Role = "admin"
)

// GenerateSecret returns prefix followed by KeyLength random bytes in
// URL-safe base64.
func GenerateSecret(prefix string) (string, error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// GenerateAPIKey generates a new API key
func GenerateAPIKey() (string, error) {
	return GenerateSecret(KeyPrefix)
}

// HashSecret hashes a secret using bcrypt
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), BCryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret verifies a secret against a bcrypt hash
func VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// VerifyAPIKeyConstantTime verifies an API key against a plain text key using constant-time comparison
func VerifyAPIKeyConstantTime(got, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// ExtractBearerToken extracts the bearer token from an Authorization header
func ExtractBearerToken(authHeader string) string {
	// Remove "Bearer " prefix (case-insensitive)
	token := strings.TrimSpace(authHeader)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}

// ValidateRole checks if a given role string is valid
func ValidateRole(role string) bool {
	switch Role(role) {
	case RoleClient, RoleAdmin:
		return true
	default:
		return false
	}
}

// HasPermission checks if a given role has permission to access a resource
// client: snapshots and evaluations
// admin: everything a client can do, plus commands
func HasPermission(userRole Role, requiredRole Role) bool {
	switch userRole {
	case RoleAdmin:
		return requiredRole == RoleAdmin || requiredRole == RoleClient
	case RoleClient:
		return requiredRole == RoleClient
	default:
		return false
	}
}
