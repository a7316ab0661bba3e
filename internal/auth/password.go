// Package auth implements password hashing for the admin login.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashAlgorithm  = "pbkdf2_sha256"
	hashIterations = 200_000
	saltBytes      = 16
	keyBytes       = 32
)

// HashPassword derives a storable hash in the form
// pbkdf2_sha256$<iterations>$<salt>$<digest>.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to read random salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	digest := derive(password, saltHex, hashIterations)
	return fmt.Sprintf("%s$%d$%s$%s", hashAlgorithm, hashIterations, saltHex, digest), nil
}

// VerifyPassword checks a password against a stored hash in constant time.
func VerifyPassword(password, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 4 || parts[0] != hashAlgorithm {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations < 1 {
		return false
	}
	expected := derive(password, parts[2], iterations)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(parts[3])) == 1
}

func derive(password, saltHex string, iterations int) string {
	key := pbkdf2.Key([]byte(password), []byte(saltHex), iterations, keyBytes, sha256.New)
	return base64.RawURLEncoding.EncodeToString(key)
}
