// Package auth provides the credential store and password hash
// verification for authenticated logins.
package auth

import (
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // hash scheme fixed by the stored credential format
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrBadHashFormat reports a stored hash that does not follow the
// "iterations:salthex:hashhex" credential format.
var ErrBadHashFormat = errors.New("auth: malformed credential hash")

const (
	defaultIterations = 100
	defaultSaltBytes  = 16
	defaultHashBytes  = 16
)

// VerifyPassword checks password against a stored PBKDF2-HMAC-SHA1
// hash in "iterations:salthex:hashhex" format. The comparison is
// constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return false, fmt.Errorf("%w: want 3 colon-separated parts, got %d", ErrBadHashFormat, len(parts))
	}
	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("%w: bad iteration count %q", ErrBadHashFormat, parts[0])
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("%w: bad salt: %v", ErrBadHashFormat, err)
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("%w: bad hash: %v", ErrBadHashFormat, err)
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha1.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// HashPassword derives a stored-format hash for a new credential.
func HashPassword(password string) (string, error) {
	salt := make([]byte, defaultSaltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, defaultIterations, defaultHashBytes, sha1.New)
	return fmt.Sprintf("%d:%x:%x", defaultIterations, salt, hash), nil
}
