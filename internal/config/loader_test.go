package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	l := NewLoader()
	s, err := l.Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, s.Server.Port)
	assert.Equal(t, 1, s.Server.Workers)
	assert.Equal(t, BackendMem, s.Backend.Mode)
	assert.Equal(t, 15, s.Auth.AccessTokenExpiresMinutes)
	assert.Equal(t, 24*time.Hour, s.Cache.DefaultTTL)
	assert.False(t, s.StrictResponseEnvelope)
}

func TestParseYAMLOverridesDefaults(t *testing.T) {
	l := NewLoader()
	s, err := l.Parse([]byte(`
server:
  port: 9090
  read_timeout: 10s
auth:
  access_token_expires_minutes: 30
limits:
  max_body_size_bytes: 1024
  max_body_size_bytes_soap: 4096
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, s.Server.Port)
	assert.Equal(t, 10*time.Second, s.Server.ReadTimeout)
	assert.Equal(t, 30, s.Auth.AccessTokenExpiresMinutes)
	assert.Equal(t, int64(1024), s.Limits.MaxBodySizeBytes)
	assert.Equal(t, int64(4096), s.Limits.MaxBodySizeBytesSOAP)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_GATEWAY_PORT", "7070")

	l := NewLoader()
	s, err := l.Parse([]byte("server:\n  port: ${TEST_GATEWAY_PORT}\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, s.Server.Port)
}

func TestEnvOverlayWinsOverYAML(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "from-env")
	t.Setenv("MAX_BODY_SIZE_BYTES", "2048")
	t.Setenv("STRICT_RESPONSE_ENVELOPE", "true")

	l := NewLoader()
	s, err := l.Parse([]byte(`
auth:
  jwt_secret_key: from-yaml
limits:
  max_body_size_bytes: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.Auth.JWTSecretKey)
	assert.Equal(t, int64(2048), s.Limits.MaxBodySizeBytes)
	assert.True(t, s.StrictResponseEnvelope)
}

func TestMultiWorkerSafetyGate(t *testing.T) {
	tests := []struct {
		name    string
		workers int
		mode    BackendMode
		wantErr bool
	}{
		{"single worker mem", 1, BackendMem, false},
		{"multi worker mem refused", 4, BackendMem, true},
		{"multi worker redis", 4, BackendRedis, false},
		{"multi worker external", 8, BackendExternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader()
			s := DefaultSettings()
			s.Server.Workers = tt.workers
			s.Backend.Mode = tt.mode
			err := l.validate(s)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProductionValidation(t *testing.T) {
	l := NewLoader()

	s := DefaultSettings()
	s.Production = true
	err := l.validate(s)
	require.Error(t, err, "production without secrets must fail")

	s.Auth.JWTSecretKey = "secret"
	s.Security.VaultKey = "vault"
	s.Security.MemEncryptionKey = "mem"
	s.Security.AdminEmail = "admin@example.com"
	s.Security.AdminPassword = "pw"
	require.NoError(t, l.validate(s))

	s.Server.HTTPSEnabled = true
	err = l.validate(s)
	assert.Error(t, err, "https without cert/key files must fail")
}

func TestValidateRejectsBadValues(t *testing.T) {
	l := NewLoader()

	cases := []func(*Settings){
		func(s *Settings) { s.Server.Port = 0 },
		func(s *Settings) { s.Backend.Mode = "BOGUS" },
		func(s *Settings) { s.Auth.AccessTokenExpiresMinutes = 0 },
		func(s *Settings) { s.Dispatch.UpstreamTimeout = 0 },
		func(s *Settings) { s.Dispatch.RetryBackoffMax = time.Millisecond },
		func(s *Settings) { s.Logging.Level = "verbose" },
		func(s *Settings) { s.CORS.Strict = true },
	}
	for i, mutate := range cases {
		s := DefaultSettings()
		mutate(s)
		assert.Error(t, l.validate(s), "case %d should fail validation", i)
	}
}

func TestBodyLimitFor(t *testing.T) {
	l := LimitSettings{MaxBodySizeBytes: 100, MaxBodySizeBytesSOAP: 200}
	assert.Equal(t, int64(100), l.BodyLimitFor("rest"))
	assert.Equal(t, int64(200), l.BodyLimitFor("soap"))
	assert.Equal(t, int64(100), l.BodyLimitFor("graphql"))

	var zero LimitSettings
	assert.Equal(t, int64(10<<20), zero.BodyLimitFor("rest"))
}

func TestReloadableRoundTrip(t *testing.T) {
	s := DefaultSettings()
	s.Logging.Level = "debug"
	s.Dispatch.UpstreamTimeout = 5 * time.Second
	s.StrictResponseEnvelope = true

	r := ReloadableFrom(s)

	target := DefaultSettings()
	r.Apply(target)

	assert.Equal(t, "debug", target.Logging.Level)
	assert.Equal(t, 5*time.Second, target.Dispatch.UpstreamTimeout)
	assert.True(t, target.StrictResponseEnvelope)
	// Structural fields are untouched by a reload.
	assert.Equal(t, 8080, target.Server.Port)
}
