package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading, environment overlay, and validation.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads the YAML file at path (if it exists), overlays recognized
// environment variables, and validates the result. A missing file is not an
// error: an all-environment deployment runs from defaults plus env alone.
func (l *Loader) Load(path string) (*Settings, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.Parse(data)
}

// Parse parses settings from YAML bytes, then overlays the environment.
func (l *Loader) Parse(data []byte) (*Settings, error) {
	s := DefaultSettings()

	if len(data) > 0 {
		expanded := l.expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	l.applyEnv(s)

	if err := l.validate(s); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values;
// unset variables expand to the empty string so YAML defaults stay in force.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return ""
	})
}

// applyEnv overlays every recognized environment variable onto s. Process
// env always wins over the YAML file, matching the deployment convention of
// the rest of this gateway's tooling (secrets come from the environment).
func (l *Loader) applyEnv(s *Settings) {
	if v := os.Getenv("MEM_OR_EXTERNAL"); v != "" {
		s.Backend.Mode = BackendMode(strings.ToUpper(v))
	}
	envInt("THREADS", &s.Server.Workers)
	envInt("PORT", &s.Server.Port)

	envString("JWT_SECRET_KEY", &s.Auth.JWTSecretKey)
	envInt("ACCESS_TOKEN_EXPIRES_MINUTES", &s.Auth.AccessTokenExpiresMinutes)
	envInt("REFRESH_TOKEN_EXPIRES_DAYS", &s.Auth.RefreshTokenExpiresDays)
	envBool("LOGIN_IP_RATE_DISABLED", &s.Auth.LoginIPRateDisabled)

	envBool("HTTPS_ONLY", &s.Server.HTTPSOnly)
	envBool("HTTPS_ENABLED", &s.Server.HTTPSEnabled)
	envString("SSL_CERTFILE", &s.Server.SSLCertFile)
	envString("SSL_KEYFILE", &s.Server.SSLKeyFile)

	envStringSlice("ALLOWED_ORIGINS", &s.CORS.AllowedOrigins)
	envBool("ALLOW_CREDENTIALS", &s.CORS.AllowCredentials)
	envStringSlice("ALLOW_METHODS", &s.CORS.AllowMethods)
	envStringSlice("ALLOW_HEADERS", &s.CORS.AllowHeaders)
	envBool("CORS_STRICT", &s.CORS.Strict)

	envInt64("MAX_BODY_SIZE_BYTES", &s.Limits.MaxBodySizeBytes)
	envInt64("MAX_BODY_SIZE_BYTES_REST", &s.Limits.MaxBodySizeBytesREST)
	envInt64("MAX_BODY_SIZE_BYTES_SOAP", &s.Limits.MaxBodySizeBytesSOAP)
	envInt64("MAX_BODY_SIZE_BYTES_GRAPHQL", &s.Limits.MaxBodySizeBytesGraphQL)

	envString("VAULT_KEY", &s.Security.VaultKey)
	envString("MEM_ENCRYPTION_KEY", &s.Security.MemEncryptionKey)
	envString("DOORMAN_ADMIN_EMAIL", &s.Security.AdminEmail)
	envString("DOORMAN_ADMIN_PASSWORD", &s.Security.AdminPassword)

	envString("REDIS_HOST", &s.Backend.Redis.Host)
	envInt("REDIS_PORT", &s.Backend.Redis.Port)
	envInt("REDIS_DB", &s.Backend.Redis.DB)
	envString("REDIS_PASSWORD", &s.Backend.Redis.Password)

	envBool("DOORMAN_ENABLE_GRPC_REFLECTION", &s.Dispatch.GRPCReflection)
	envBool("STRICT_RESPONSE_ENVELOPE", &s.StrictResponseEnvelope)
	envInt("METRICS_PCT_SAMPLES", &s.Metrics.PercentileSamples)
	envBool("DOORMAN_PRODUCTION", &s.Production)
	envString("DOORMAN_SNAPSHOT_PATH", &s.Snapshot.Path)
}

func envString(name string, out *string) {
	if v := os.Getenv(name); v != "" {
		*out = v
	}
}

func envInt(name string, out *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envInt64(name string, out *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*out = n
		}
	}
}

func envBool(name string, out *bool) {
	if v := os.Getenv(name); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*out = true
		case "0", "false", "no", "off":
			*out = false
		}
	}
}

func envStringSlice(name string, out *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*out = parts
	}
}

// validate rejects structurally invalid settings at load time, so the
// process exits nonzero before binding the port rather than failing lazily
// on the first request.
func (l *Loader) validate(s *Settings) error {
	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", s.Server.Port)
	}
	if s.Server.Workers <= 0 {
		s.Server.Workers = 1
	}

	switch s.Backend.Mode {
	case "":
		// An unset ${MEM_OR_EXTERNAL} expansion leaves the field empty.
		s.Backend.Mode = BackendMem
	case BackendMem, BackendRedis, BackendExternal:
	default:
		return fmt.Errorf("backend.mode %q invalid (want MEM, REDIS, or EXTERNAL)", s.Backend.Mode)
	}

	// Multi-worker safety gate: rate limits, token blacklists, and credit
	// balances must share one backend across workers. An in-process backend
	// with several workers silently multiplies every limit by the worker
	// count, so it is a startup error, not a degraded mode.
	if s.Server.Workers > 1 && s.Backend.Mode == BackendMem {
		return fmt.Errorf("workers=%d requires a distributed backend; MEM mode supports exactly one worker", s.Server.Workers)
	}

	if s.Production {
		if s.Auth.JWTSecretKey == "" {
			return fmt.Errorf("auth.jwt_secret_key (JWT_SECRET_KEY) is required in production")
		}
		if s.Security.VaultKey == "" {
			return fmt.Errorf("security.vault_key (VAULT_KEY) is required in production")
		}
		if s.Backend.Mode == BackendMem && s.Security.MemEncryptionKey == "" {
			return fmt.Errorf("security.mem_encryption_key (MEM_ENCRYPTION_KEY) is required in production MEM mode")
		}
		if s.Security.AdminEmail == "" || s.Security.AdminPassword == "" {
			return fmt.Errorf("admin bootstrap credentials (DOORMAN_ADMIN_EMAIL / DOORMAN_ADMIN_PASSWORD) are required in production")
		}
		if s.Server.HTTPSEnabled {
			for _, f := range []string{s.Server.SSLCertFile, s.Server.SSLKeyFile} {
				if f == "" {
					return fmt.Errorf("https enabled but ssl_certfile/ssl_keyfile unset")
				}
				if _, err := os.Stat(f); err != nil {
					return fmt.Errorf("tls file %s: %w", f, err)
				}
			}
		}
	}

	if s.Auth.AccessTokenExpiresMinutes <= 0 {
		return fmt.Errorf("auth.access_token_expires_minutes must be positive")
	}
	if s.Auth.RefreshTokenExpiresDays <= 0 {
		return fmt.Errorf("auth.refresh_token_expires_days must be positive")
	}

	if s.Limits.MaxBodySizeBytes < 0 {
		return fmt.Errorf("limits.max_body_size_bytes must not be negative")
	}

	if s.Dispatch.UpstreamTimeout <= 0 {
		return fmt.Errorf("dispatch.upstream_timeout must be positive")
	}
	if s.Dispatch.RetryBackoffBase <= 0 || s.Dispatch.RetryBackoffMax < s.Dispatch.RetryBackoffBase {
		return fmt.Errorf("dispatch retry backoff range invalid: base=%v max=%v", s.Dispatch.RetryBackoffBase, s.Dispatch.RetryBackoffMax)
	}

	if s.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if s.Cache.DefaultTTL <= 0 {
		s.Cache.DefaultTTL = 24 * time.Hour
	}

	if s.Metrics.PercentileSamples <= 0 {
		s.Metrics.PercentileSamples = 500
	}
	if s.Metrics.RollupInterval <= 0 {
		s.Metrics.RollupInterval = 5 * time.Minute
	}

	switch s.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid", s.Logging.Level)
	}

	if s.CORS.Strict && len(s.CORS.AllowedOrigins) == 1 && s.CORS.AllowedOrigins[0] == "*" {
		return fmt.Errorf("cors.strict requires an explicit allowed_origins list, not *")
	}

	for _, cidr := range s.Server.TrustedProxies {
		probe := cidr
		if !strings.Contains(probe, "/") {
			if net.ParseIP(probe) == nil {
				return fmt.Errorf("server.trusted_proxies entry %q is not an IP or CIDR", cidr)
			}
			continue
		}
		if _, _, err := net.ParseCIDR(probe); err != nil {
			return fmt.Errorf("server.trusted_proxies entry %q: %w", cidr, err)
		}
	}

	return nil
}

// Reload re-reads path and returns only the hot-reloadable subset of the new
// settings, validating the full tree first so a broken file never half-applies.
func (l *Loader) Reload(path string) (Reloadable, error) {
	next, err := l.Load(path)
	if err != nil {
		return Reloadable{}, err
	}
	return ReloadableFrom(next), nil
}
