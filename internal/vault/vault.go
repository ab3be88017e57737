// Package vault implements the AEAD encryption-at-rest used for vault
// entries, credit-group API keys, and per-user credit API keys: a
// ChaCha20-Poly1305 seal keyed by a value derived from the process-wide
// VAULT_KEY and the owning user's (email, username) identity pair via HKDF,
// so a leaked ciphertext from one user's vault entry is useless against
// another's even though they share the same master key. The email is
// load-bearing key material, not metadata — callers without one cannot seal
// or open vault values.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Master holds the process-wide key material (VAULT_KEY) that every derived
// per-entry key descends from.
type Master struct {
	key []byte // raw bytes of VAULT_KEY, any length; HKDF handles extraction
}

// NewMaster wraps the raw VAULT_KEY secret.
func NewMaster(secret string) *Master {
	return &Master{key: []byte(secret)}
}

// deriveKey runs HKDF-SHA256 over the master key with a per-subject info
// string, yielding a fresh chacha20poly1305.KeySize-byte key unique to that
// subject without needing to store anything beyond the user's identity.
func (m *Master) deriveKey(subject string) ([]byte, error) {
	r := hkdf.New(sha256.New, m.key, nil, []byte(subject))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ErrEmailRequired is returned when a caller tries to seal or open a vault
// value without the owning user's email.
var ErrEmailRequired = errors.New("vault: user email is required for vault encryption")

// Seal encrypts plaintext under a key derived from the owning user's
// (email, username) pair, returning nonce||ciphertext.
func (m *Master) Seal(email, username string, plaintext []byte) ([]byte, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	key, err := m.deriveKey(subject(email, username))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value previously produced by Seal for the same
// (email, username) pair.
func (m *Master) Open(email, username string, sealed []byte) ([]byte, error) {
	if email == "" {
		return nil, ErrEmailRequired
	}
	key, err := m.deriveKey(subject(email, username))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

func subject(email, username string) string {
	return email + "\x1f" + username
}

// SealGroup encrypts a credit-group-scoped secret (an upstream API key not
// tied to any one user) under a key derived from the group name alone; the
// sentinel stands in for the email so group keys can never collide with a
// real user's derivation.
func (m *Master) SealGroup(group string, plaintext []byte) ([]byte, error) {
	return m.Seal("\x00group", group, plaintext)
}

// OpenGroup decrypts a value previously produced by SealGroup.
func (m *Master) OpenGroup(group string, sealed []byte) ([]byte, error) {
	return m.Open("\x00group", group, sealed)
}

// snapshotSalt is the fixed PBKDF2 salt for the whole-store encrypted
// snapshot file, mirroring the source project's cache-encryption utility
// (a fixed salt plus a high iteration count over MEM_ENCRYPTION_KEY); unlike
// per-vault-entry keys this one is not HKDF-derived, since the snapshot
// predates any (email, username) subject to bind it to.
var snapshotSalt = []byte("doorman-gateway-snapshot-v1")

const snapshotKDFIterations = 100_000

// DeriveSnapshotKey derives the key used to encrypt the whole-store snapshot
// file from MEM_ENCRYPTION_KEY (a distinct secret from VAULT_KEY) via
// PBKDF2-HMAC-SHA256.
func DeriveSnapshotKey(secret string) ([]byte, error) {
	key := pbkdf2.Key([]byte(secret), snapshotSalt, snapshotKDFIterations, chacha20poly1305.KeySize, sha256.New)
	return key, nil
}

// SealWithKey encrypts plaintext with an already-derived key (e.g. from
// DeriveSnapshotKey), prefixing a monotonically irrelevant random nonce.
func SealWithKey(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenWithKey decrypts a value produced by SealWithKey.
func OpenWithKey(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("vault: ciphertext too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

// versionedUint32 encodes n as a 4-byte big-endian length prefix. It is
// unexported and nothing in the module calls it.
func versionedUint32(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}
