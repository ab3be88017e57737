package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService() *Service {
	return New(Config{SecretKey: "unit-test-secret", AccessTokenExpiresMin: 15, RefreshTokenExpiresDay: 7})
}

func TestIssueAndVerifyPair(t *testing.T) {
	s := testService()

	access, refresh, err := s.IssuePair("alice", "user")
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)
	assert.NotEqual(t, access, refresh)

	claims, err := s.Verify(access, "access")
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "user", claims.Role)
	assert.NotEmpty(t, claims.TokenID)

	rc, err := s.Verify(refresh, "refresh")
	require.NoError(t, err)
	assert.NotEqual(t, claims.TokenID, rc.TokenID)
}

func TestWrongKindRejected(t *testing.T) {
	s := testService()
	access, refresh, err := s.IssuePair("alice", "user")
	require.NoError(t, err)

	_, err = s.Verify(access, "refresh")
	assert.Error(t, err)
	_, err = s.Verify(refresh, "access")
	assert.Error(t, err)
}

func TestWrongSecretRejected(t *testing.T) {
	s1 := testService()
	access, _, err := s1.IssuePair("alice", "user")
	require.NoError(t, err)

	s2 := New(Config{SecretKey: "different-secret"})
	_, err = s2.Verify(access, "access")
	assert.Error(t, err)
}

func TestRevokedTokenInvalidUntilExpiry(t *testing.T) {
	s := testService()
	access, _, err := s.IssuePair("alice", "user")
	require.NoError(t, err)

	claims, err := s.Verify(access, "access")
	require.NoError(t, err)

	s.Revoke(claims.TokenID, claims.ExpiresAt.Time)

	_, err = s.Verify(access, "access")
	assert.Error(t, err, "revoked jti must fail verification")

	// Purging at the token's own expiry clears the entry; the signature
	// expiry check takes over from there.
	purged := s.Blacklist().Purge(claims.ExpiresAt.Time.Add(time.Second))
	assert.Equal(t, 1, purged)
}

func TestBlacklistPurgeOrder(t *testing.T) {
	b := NewBlacklist()
	now := time.Now()
	b.Add("early", now.Add(time.Minute))
	b.Add("late", now.Add(time.Hour))

	assert.Equal(t, 1, b.Purge(now.Add(2*time.Minute)))
	assert.False(t, b.Contains("early"))
	assert.True(t, b.Contains("late"))
}

func TestBlacklistSnapshotRestore(t *testing.T) {
	b := NewBlacklist()
	exp := time.Now().Add(time.Hour).UTC()
	b.Add("jti-1", exp)

	restored := NewBlacklist()
	restored.Restore(b.Snapshot())
	assert.True(t, restored.Contains("jti-1"))
	assert.Equal(t, 1, restored.Len())
}

func TestFromRequestHeaderAndCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, FromRequest(r))

	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", FromRequest(r))

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	assert.Equal(t, "cookie-token", FromRequest(r2))
}

func TestCookieRoundTrip(t *testing.T) {
	w := httptest.NewRecorder()
	SetAccessCookie(w, "tok", 15*time.Minute, true)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	w2 := httptest.NewRecorder()
	ClearAccessCookie(w2, true)
	cleared := w2.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	salt := NewSalt()
	require.NotEmpty(t, salt)
	assert.NotEqual(t, salt, NewSalt())

	hash, err := HashPassword(salt, "hunter2")
	require.NoError(t, err)

	assert.True(t, VerifyPassword(salt, hash, "hunter2"))
	assert.False(t, VerifyPassword(salt, hash, "hunter3"))
	assert.False(t, VerifyPassword(NewSalt(), hash, "hunter2"))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}
