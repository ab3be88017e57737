package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	m := NewMaster("master-secret")

	sealed, err := m.Seal("alice@example.com", "alice", []byte("s3cret-value"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cret-value")

	plain, err := m.Open("alice@example.com", "alice", sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-value", string(plain))
}

func TestPerIdentityKeyIsolation(t *testing.T) {
	m := NewMaster("master-secret")

	sealed, err := m.Seal("alice@example.com", "alice", []byte("v"))
	require.NoError(t, err)

	// Same master key, different identity component: ciphertext must not
	// open. Both halves of the (email, username) pair are key material.
	_, err = m.Open("alice@example.com", "bob", sealed)
	assert.Error(t, err)
	_, err = m.Open("other@example.com", "alice", sealed)
	assert.Error(t, err)
}

func TestEmailIsRequired(t *testing.T) {
	m := NewMaster("master-secret")

	_, err := m.Seal("", "alice", []byte("v"))
	assert.ErrorIs(t, err, ErrEmailRequired)

	sealed, err := m.Seal("alice@example.com", "alice", []byte("v"))
	require.NoError(t, err)
	_, err = m.Open("", "alice", sealed)
	assert.ErrorIs(t, err, ErrEmailRequired)
}

func TestDifferentMasterKeysFail(t *testing.T) {
	sealed, err := NewMaster("one").Seal("alice@example.com", "alice", []byte("v"))
	require.NoError(t, err)
	_, err = NewMaster("two").Open("alice@example.com", "alice", sealed)
	assert.Error(t, err)
}

func TestNonceUniqueness(t *testing.T) {
	m := NewMaster("master-secret")
	a, err := m.Seal("alice@example.com", "alice", []byte("v"))
	require.NoError(t, err)
	b, err := m.Seal("alice@example.com", "alice", []byte("v"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "every seal uses a fresh random nonce")
}

func TestGroupSealOpen(t *testing.T) {
	m := NewMaster("master-secret")
	sealed, err := m.SealGroup("billing", []byte("group-key"))
	require.NoError(t, err)

	plain, err := m.OpenGroup("billing", sealed)
	require.NoError(t, err)
	assert.Equal(t, "group-key", string(plain))

	_, err = m.OpenGroup("other", sealed)
	assert.Error(t, err)
}

func TestTruncatedCiphertextRejected(t *testing.T) {
	m := NewMaster("master-secret")
	_, err := m.Open("alice@example.com", "alice", []byte("short"))
	assert.Error(t, err)
}

func TestSnapshotKeyRoundTrip(t *testing.T) {
	key, err := DeriveSnapshotKey("mem-encryption-key")
	require.NoError(t, err)
	require.Len(t, key, 32)

	sealed, err := SealWithKey(key, []byte("snapshot-bytes"))
	require.NoError(t, err)

	plain, err := OpenWithKey(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "snapshot-bytes", string(plain))

	otherKey, err := DeriveSnapshotKey("different")
	require.NoError(t, err)
	_, err = OpenWithKey(otherKey, sealed)
	assert.Error(t, err)
}
