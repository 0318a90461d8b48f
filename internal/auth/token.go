package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenSaltLength = 16
	tokenKeyLength  = 32
	tokenIterations = 120000
)

var ErrTokenRequired = errors.New("token required")

// HashToken derives a salted PBKDF2 digest for the given shared token.
// The result is "salt:derived" in hex and safe to keep in configuration
// or logs.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	salt := make([]byte, tokenSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate token salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenIterations, tokenKeyLength, sha256.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(derived), nil
}

// VerifyToken checks a presented token against a stored digest using a
// constant-time comparison.
func VerifyToken(token, digest string) bool {
	if token == "" || digest == "" {
		return false
	}
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenIterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
