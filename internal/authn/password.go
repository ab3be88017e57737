package authn

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// NewSalt returns a fresh random salt for a new user, stored alongside the
// bcrypt hash per the stored User shape even though bcrypt embeds its own
// salt — the extra salt is mixed in before hashing so a compromised bcrypt
// cost parameter change doesn't require touching stored salts.
func NewSalt() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HashPassword combines salt with password and bcrypt-hashes the result.
func HashPassword(salt, password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(salt+password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword reports whether password matches the stored hash under salt.
func VerifyPassword(salt, hash, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(salt+password))
	return err == nil
}

// ConstantTimeEqual compares two strings without leaking timing information.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
