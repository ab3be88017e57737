// Package config defines the gateway's process settings: the YAML-sourced
// Settings tree, the environment-variable overlay, load-time validation, and
// the hot-reloadable subset applied on SIGHUP. Structural settings (secrets,
// bind address, worker count, backend mode) are fixed for the life of the
// process; everything in Reloadable can change at runtime.
package config

import (
	"net"
	"strconv"
	"time"
)

// BackendMode selects where shared state (store, cache, counters) lives.
type BackendMode string

const (
	// BackendMem keeps everything in-process; only safe with a single worker.
	BackendMem BackendMode = "MEM"
	// BackendRedis keeps cache and counters in Redis; store stays embedded.
	BackendRedis BackendMode = "REDIS"
	// BackendExternal uses Redis for cache/counters and an external document
	// store for the config entities.
	BackendExternal BackendMode = "EXTERNAL"
)

// Settings is the root configuration tree.
type Settings struct {
	Server   ServerSettings   `yaml:"server"`
	Backend  BackendSettings  `yaml:"backend"`
	Auth     AuthSettings     `yaml:"auth"`
	CORS     CORSSettings     `yaml:"cors"`
	Limits   LimitSettings    `yaml:"limits"`
	Security SecuritySettings `yaml:"security"`
	Dispatch DispatchSettings `yaml:"dispatch"`
	Cache    CacheSettings    `yaml:"cache"`
	Metrics  MetricsSettings  `yaml:"metrics"`
	Logging  LoggingSettings  `yaml:"logging"`
	Snapshot SnapshotSettings `yaml:"snapshot"`

	// StrictResponseEnvelope wraps every response (success or error) as
	// {status_code, ...} with HTTP 200 when enabled.
	StrictResponseEnvelope bool `yaml:"strict_response_envelope"`

	// Production tightens startup validation: missing secrets, admin
	// bootstrap credentials and TLS files are fatal. Outside production
	// they are not checked.
	Production bool `yaml:"production"`
}

// ServerSettings covers the listener and worker pool.
type ServerSettings struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Workers         int           `yaml:"workers"` // THREADS
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HTTPSEnabled    bool          `yaml:"https_enabled"`
	HTTPSOnly       bool          `yaml:"https_only"`
	SSLCertFile     string        `yaml:"ssl_certfile"`
	SSLKeyFile      string        `yaml:"ssl_keyfile"`

	// TrustedProxies are CIDRs whose X-Forwarded-For chains are honored
	// when resolving the real client IP; empty means RemoteAddr only.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// BackendSettings selects and configures the shared-state backends.
type BackendSettings struct {
	Mode        BackendMode   `yaml:"mode"` // MEM_OR_EXTERNAL
	Redis       RedisSettings `yaml:"redis"`
	DocstoreURL string        `yaml:"docstore_url"` // e.g. "mem://%s/doc_id"
}

// RedisSettings is the Redis connection shared by cache and counters.
type RedisSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// AuthSettings configures the token service and the login IP guard.
type AuthSettings struct {
	JWTSecretKey              string        `yaml:"jwt_secret_key"`
	AccessTokenExpiresMinutes int           `yaml:"access_token_expires_minutes"`
	RefreshTokenExpiresDays   int           `yaml:"refresh_token_expires_days"`
	LoginIPRateDisabled       bool          `yaml:"login_ip_rate_disabled"`
	LoginIPLimit              int           `yaml:"login_ip_limit"`
	LoginIPWindow             time.Duration `yaml:"login_ip_window"`
}

// CORSSettings is the gateway-wide CORS policy; per-API allow-origins narrow it.
type CORSSettings struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	Strict           bool     `yaml:"strict"`
}

// LimitSettings caps request body sizes per route family. Zero means the
// global value applies; a zero global means the built-in default.
type LimitSettings struct {
	MaxBodySizeBytes        int64 `yaml:"max_body_size_bytes"`
	MaxBodySizeBytesREST    int64 `yaml:"max_body_size_bytes_rest"`
	MaxBodySizeBytesSOAP    int64 `yaml:"max_body_size_bytes_soap"`
	MaxBodySizeBytesGraphQL int64 `yaml:"max_body_size_bytes_graphql"`
}

// SecuritySettings holds the process secrets and admin bootstrap identity.
type SecuritySettings struct {
	VaultKey         string `yaml:"vault_key"`          // VAULT_KEY
	MemEncryptionKey string `yaml:"mem_encryption_key"` // MEM_ENCRYPTION_KEY
	AdminEmail       string `yaml:"admin_email"`        // DOORMAN_ADMIN_EMAIL
	AdminPassword    string `yaml:"admin_password"`     // DOORMAN_ADMIN_PASSWORD
	GeoIPDBPath      string `yaml:"geoip_db_path"`
}

// DispatchSettings tunes the upstream dispatcher.
type DispatchSettings struct {
	UpstreamTimeout  time.Duration          `yaml:"upstream_timeout"`
	RetryBackoffBase time.Duration          `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration          `yaml:"retry_backoff_max"`
	CircuitBreaker   CircuitBreakerSettings `yaml:"circuit_breaker"`
	GRPCReflection   bool                   `yaml:"grpc_reflection"` // DOORMAN_ENABLE_GRPC_REFLECTION
	ProtoArtifactDir string                 `yaml:"proto_artifact_dir"`
}

// CircuitBreakerSettings configures the per-API breaker.
type CircuitBreakerSettings struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// CacheSettings sizes the config cache.
type CacheSettings struct {
	MaxEntries int           `yaml:"max_entries"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MetricsSettings tunes the in-memory metrics store.
type MetricsSettings struct {
	PercentileSamples int           `yaml:"percentile_samples"` // METRICS_PCT_SAMPLES
	RollupInterval    time.Duration `yaml:"rollup_interval"`
}

// LoggingSettings maps onto internal/logging.Config.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// SnapshotSettings controls the encrypted state snapshot written in MEM mode.
type SnapshotSettings struct {
	Path             string        `yaml:"path"`
	AutoSaveInterval time.Duration `yaml:"auto_save_interval"`
}

// DefaultSettings returns the built-in defaults every load starts from.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:            "0.0.0.0",
			Port:            8080,
			Workers:         1,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Backend: BackendSettings{
			Mode: BackendMem,
			Redis: RedisSettings{
				Host: "127.0.0.1",
				Port: 6379,
			},
			DocstoreURL: "mem://%s/doc_id",
		},
		Auth: AuthSettings{
			AccessTokenExpiresMinutes: 15,
			RefreshTokenExpiresDays:   7,
			LoginIPLimit:              10,
			LoginIPWindow:             time.Minute,
		},
		CORS: CORSSettings{
			AllowedOrigins: []string{"*"},
			AllowMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
			AllowHeaders:   []string{"Authorization", "Content-Type", "X-API-Version", "X-Request-ID"},
		},
		Limits: LimitSettings{
			MaxBodySizeBytes: 10 << 20,
		},
		Dispatch: DispatchSettings{
			UpstreamTimeout:  30 * time.Second,
			RetryBackoffBase: 100 * time.Millisecond,
			RetryBackoffMax:  10 * time.Second,
			CircuitBreaker: CircuitBreakerSettings{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				HalfOpenRequests: 1,
			},
			ProtoArtifactDir: "proto_artifacts",
		},
		Cache: CacheSettings{
			MaxEntries: 10000,
			DefaultTTL: 24 * time.Hour,
		},
		Metrics: MetricsSettings{
			PercentileSamples: 500,
			RollupInterval:    5 * time.Minute,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Output: "stdout",
		},
		Snapshot: SnapshotSettings{
			Path:             "doorman_snapshot.bin",
			AutoSaveInterval: 5 * time.Minute,
		},
	}
}

// Reloadable is the subset of Settings a SIGHUP may change at runtime.
// Everything else requires a restart.
type Reloadable struct {
	LogLevel               string
	UpstreamTimeout        time.Duration
	RetryBackoffBase       time.Duration
	RetryBackoffMax        time.Duration
	CircuitBreaker         CircuitBreakerSettings
	CacheMaxEntries        int
	CacheDefaultTTL        time.Duration
	Limits                 LimitSettings
	LoginIPRateDisabled    bool
	LoginIPLimit           int
	LoginIPWindow          time.Duration
	StrictResponseEnvelope bool
}

// ReloadableFrom extracts the hot-reloadable view of a full Settings tree.
func ReloadableFrom(s *Settings) Reloadable {
	return Reloadable{
		LogLevel:               s.Logging.Level,
		UpstreamTimeout:        s.Dispatch.UpstreamTimeout,
		RetryBackoffBase:       s.Dispatch.RetryBackoffBase,
		RetryBackoffMax:        s.Dispatch.RetryBackoffMax,
		CircuitBreaker:         s.Dispatch.CircuitBreaker,
		CacheMaxEntries:        s.Cache.MaxEntries,
		CacheDefaultTTL:        s.Cache.DefaultTTL,
		Limits:                 s.Limits,
		LoginIPRateDisabled:    s.Auth.LoginIPRateDisabled,
		LoginIPLimit:           s.Auth.LoginIPLimit,
		LoginIPWindow:          s.Auth.LoginIPWindow,
		StrictResponseEnvelope: s.StrictResponseEnvelope,
	}
}

// Apply overlays the reloadable subset back onto a Settings tree in place,
// leaving every structural field untouched.
func (r Reloadable) Apply(s *Settings) {
	s.Logging.Level = r.LogLevel
	s.Dispatch.UpstreamTimeout = r.UpstreamTimeout
	s.Dispatch.RetryBackoffBase = r.RetryBackoffBase
	s.Dispatch.RetryBackoffMax = r.RetryBackoffMax
	s.Dispatch.CircuitBreaker = r.CircuitBreaker
	s.Cache.MaxEntries = r.CacheMaxEntries
	s.Cache.DefaultTTL = r.CacheDefaultTTL
	s.Limits = r.Limits
	s.Auth.LoginIPRateDisabled = r.LoginIPRateDisabled
	s.Auth.LoginIPLimit = r.LoginIPLimit
	s.Auth.LoginIPWindow = r.LoginIPWindow
	s.StrictResponseEnvelope = r.StrictResponseEnvelope
}

// BodyLimitFor returns the effective body cap for a route family, falling
// back to the global cap when the per-family value is unset.
func (l LimitSettings) BodyLimitFor(family string) int64 {
	var v int64
	switch family {
	case "rest":
		v = l.MaxBodySizeBytesREST
	case "soap":
		v = l.MaxBodySizeBytesSOAP
	case "graphql":
		v = l.MaxBodySizeBytesGraphQL
	}
	if v <= 0 {
		v = l.MaxBodySizeBytes
	}
	if v <= 0 {
		v = 10 << 20
	}
	return v
}

// Addr returns the host:port dial address.
func (r RedisSettings) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
