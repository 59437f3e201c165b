// Package trigger implements the webhook boundary of flag triggers: issuing
// tokens, verifying them and flipping the flag they belong to.
package trigger

import (
	"errors"
	"strings"

	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/google/uuid"
)

const secretPrefix = "trg_"

// ErrUnauthenticated is returned for any token that cannot invoke a trigger:
// malformed, unknown, disabled, deleted or with a mismatched secret.
var ErrUnauthenticated = errors.New("trigger: unauthenticated")

// NewID returns a fresh trigger id.
func NewID() string {
	return uuid.NewString()
}

// NewToken issues a token for triggerID. The token is shown to the caller
// once; only hash is persisted.
func NewToken(triggerID string) (token, hash string, err error) {
	secret, err := auth.GenerateSecret(secretPrefix)
	if err != nil {
		return "", "", err
	}
	hash, err = auth.HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return triggerID + "." + secret, hash, nil
}

// ParseToken splits a token into trigger id and secret.
func ParseToken(token string) (triggerID, secret string, err error) {
	triggerID, secret, ok := strings.Cut(token, ".")
	if !ok || triggerID == "" || !strings.HasPrefix(secret, secretPrefix) {
		return "", "", ErrUnauthenticated
	}
	if _, err := uuid.Parse(triggerID); err != nil {
		return "", "", ErrUnauthenticated
	}
	return triggerID, secret, nil
}
