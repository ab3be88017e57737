// Package gateway is the orchestrator: it owns the application context (every
// component built at process init), the per-request fourteen-step pipeline,
// the HTTP server and its ingress middleware chain, the monitor and
// authorization endpoints, background tasks, hot reload, and the
// snapshot-backed lifecycle.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doorman/gateway/internal/audit"
	"github.com/doorman/gateway/internal/authn"
	"github.com/doorman/gateway/internal/authz"
	"github.com/doorman/gateway/internal/cache"
	"github.com/doorman/gateway/internal/circuitbreaker"
	"github.com/doorman/gateway/internal/config"
	"github.com/doorman/gateway/internal/counter"
	"github.com/doorman/gateway/internal/credit"
	"github.com/doorman/gateway/internal/logging"
	"github.com/doorman/gateway/internal/metrics"
	"github.com/doorman/gateway/internal/middleware/cors"
	"github.com/doorman/gateway/internal/proxy"
	"github.com/doorman/gateway/internal/ratelimit"
	"github.com/doorman/gateway/internal/snapshot"
	"github.com/doorman/gateway/internal/store"
	"github.com/doorman/gateway/internal/vault"
)

// App is the application context threaded through the pipeline. Tests build
// a fresh App over in-process backends; production builds one per process.
type App struct {
	mu       sync.RWMutex
	settings *config.Settings

	Store      store.Facade
	MemStore   *store.MemoryStore // non-nil only in MEM mode
	Cache      *cache.Manager
	CacheMem   *cache.MemoryBackend // non-nil only in MEM mode
	Counters   counter.Store
	Auth       *authn.Service
	Authorizer *authz.Resolver
	RateLimit  *ratelimit.Engine
	Credits    *credit.Ledger
	Vault      *vault.Master
	Metrics    *metrics.Store
	Audit      *audit.Logger
	Breakers   *circuitbreaker.Registry
	Dispatcher *proxy.Dispatcher
	CORS       *cors.Handler

	geo       *authz.MMDBLookup
	snapshots *snapshot.Writer
	redis     *redis.Client
	burst     *ratelimit.TokenBucket

	stopBackground context.CancelFunc
	backgroundDone sync.WaitGroup
}

// NewApp wires every component in startup order: settings → store → cache →
// counters (with the multi-worker safety gate) → auth keys → domain services
// → snapshot restore → admin bootstrap. It does not bind the listener;
// Server does.
func NewApp(settings *config.Settings) (*App, error) {
	a := &App{settings: settings}

	// Shared Redis connection for cache and counters outside MEM mode.
	if settings.Backend.Mode != config.BackendMem {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     settings.Backend.Redis.Addr(),
			DB:       settings.Backend.Redis.DB,
			Password: settings.Backend.Redis.Password,
		})
	}

	// Store backend.
	if settings.Backend.Mode == config.BackendExternal {
		a.Store = store.NewDocstoreFacade(settings.Backend.DocstoreURL)
	} else {
		a.MemStore = store.NewMemoryStore()
		a.Store = a.MemStore
	}
	if err := store.DeclareIndexes(context.Background(), a.Store); err != nil {
		return nil, err
	}

	// Cache backend.
	if a.redis != nil {
		a.Cache = cache.NewManager(cache.NewRedisBackend(a.redis, "doorman:"), settings.Cache.DefaultTTL, nil)
	} else {
		a.CacheMem = cache.NewMemoryBackend(settings.Cache.MaxEntries, settings.Cache.DefaultTTL)
		a.Cache = cache.NewManager(a.CacheMem, settings.Cache.DefaultTTL, nil)
	}

	// Counter backend plus the multi-worker safety gate. The config loader
	// already refuses MEM mode with several workers; this re-check guards
	// programmatic construction too.
	if a.redis != nil {
		a.Counters = counter.NewRedisStore(a.redis)
	} else {
		a.Counters = counter.NewMemoryStore()
	}
	if err := counter.RequireSafeForWorkers(a.Counters, settings.Server.Workers); err != nil {
		return nil, err
	}

	// Auth keys. Production-mode absence is fatal at config validation; a
	// dev-mode empty key still works but only signs throwaway tokens.
	a.Auth = authn.New(authn.Config{
		SecretKey:              settings.Auth.JWTSecretKey,
		AccessTokenExpiresMin:  settings.Auth.AccessTokenExpiresMinutes,
		RefreshTokenExpiresDay: settings.Auth.RefreshTokenExpiresDays,
	})

	a.Vault = vault.NewMaster(settings.Security.VaultKey)

	if settings.Security.GeoIPDBPath != "" {
		geo, err := authz.OpenMMDB(settings.Security.GeoIPDBPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: open geoip database: %w", err)
		}
		a.geo = geo
	}
	var geoLookup authz.GeoLookup
	if a.geo != nil {
		geoLookup = a.geo
	}
	a.Authorizer = authz.New(a.Store, geoLookup)

	a.RateLimit = ratelimit.NewEngine(
		ratelimit.NewSlidingWindow(a.Counters),
		ratelimit.NewFixedWindow(a.Counters),
		ratelimit.Config{
			LoginIPRateDisabled: settings.Auth.LoginIPRateDisabled,
			LoginIPLimit:        settings.Auth.LoginIPLimit,
			LoginIPWindow:       settings.Auth.LoginIPWindow,
		},
	)

	a.burst = ratelimit.NewTokenBucket()
	a.Credits = credit.New(a.Store, a.Counters, a.Vault)
	a.Metrics = metrics.NewStore(settings.Metrics.PercentileSamples)
	a.Audit = audit.New(audit.Config{Output: auditOutput(settings)})

	a.Breakers = circuitbreaker.NewRegistry(circuitbreaker.Settings{
		Enabled:          settings.Dispatch.CircuitBreaker.Enabled,
		FailureThreshold: settings.Dispatch.CircuitBreaker.FailureThreshold,
		OpenTimeout:      settings.Dispatch.CircuitBreaker.OpenTimeout,
		HalfOpenRequests: settings.Dispatch.CircuitBreaker.HalfOpenRequests,
	})

	grpcDispatcher := proxy.NewGRPCDispatcher(settings.Dispatch.ProtoArtifactDir, settings.Dispatch.GRPCReflection)
	a.Dispatcher = proxy.New(proxy.DefaultTransport(), a.Breakers, grpcDispatcher, proxy.Settings{
		UpstreamTimeout:  settings.Dispatch.UpstreamTimeout,
		RetryBackoffBase: settings.Dispatch.RetryBackoffBase,
		RetryBackoffMax:  settings.Dispatch.RetryBackoffMax,
	})

	corsHandler, err := cors.New(settings.CORS)
	if err != nil {
		return nil, err
	}
	a.CORS = corsHandler

	// MEM mode: restore the last snapshot before accepting traffic.
	if a.MemStore != nil && settings.Security.MemEncryptionKey != "" {
		w, err := snapshot.NewWriter(settings.Security.MemEncryptionKey, settings.Snapshot.Path)
		if err != nil {
			return nil, err
		}
		a.snapshots = w
		if err := a.restoreSnapshot(); err != nil {
			return nil, err
		}
	}

	if err := a.bootstrapAdmin(context.Background()); err != nil {
		return nil, err
	}

	return a, nil
}

func auditOutput(settings *config.Settings) string {
	if settings.Logging.Output == "" || settings.Logging.Output == "stdout" || settings.Logging.Output == "stderr" {
		return settings.Logging.Output
	}
	return settings.Logging.Output + ".audit"
}

// Settings returns the current settings tree (read-locked; reload swaps the
// reloadable subset in place).
func (a *App) Settings() *config.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

func (a *App) strict() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings.StrictResponseEnvelope
}

// bootstrapAdmin ensures the admin role and user exist, using the configured
// bootstrap credentials. Without credentials (dev mode) the role alone is
// created.
func (a *App) bootstrapAdmin(ctx context.Context) error {
	role := &store.Role{}
	if err := a.Store.FindOne(ctx, store.CollRoles, store.Filter{"RoleName": store.AdminRoleName}, role); err != nil {
		adminRole := &store.Role{
			RoleName:   store.AdminRoleName,
			ManageAPIs: true, ManageEndpoints: true, ManageUsers: true,
			ManageRoles: true, ManageGroups: true, ManageSubscriptions: true,
			ManageCredits: true, ManageSecurity: true, ManageGateway: true,
			ManageRoutings: true, ViewLogs: true, ExportLogs: true, ManageAuth: true,
		}
		if err := a.Store.InsertOne(ctx, store.CollRoles, adminRole); err != nil {
			return fmt.Errorf("gateway: bootstrap admin role: %w", err)
		}
	}

	sec := a.Settings().Security
	if sec.AdminEmail == "" || sec.AdminPassword == "" {
		return nil
	}

	existing := &store.User{}
	if err := a.Store.FindOne(ctx, store.CollUsers, store.Filter{"Username": "admin"}, existing); err == nil {
		return nil
	}

	salt := authn.NewSalt()
	hash, err := authn.HashPassword(salt, sec.AdminPassword)
	if err != nil {
		return err
	}
	admin := &store.User{
		Username:     "admin",
		Email:        sec.AdminEmail,
		PasswordSalt: salt,
		PasswordHash: hash,
		Role:         store.AdminRoleName,
		Groups:       []string{store.AllGroup},
		Active:       true,
		UIAccess:     true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := a.Store.InsertOne(ctx, store.CollUsers, admin); err != nil {
		return fmt.Errorf("gateway: bootstrap admin user: %w", err)
	}
	logging.Info("bootstrapped admin user", zap.String("email", sec.AdminEmail))
	return nil
}

// restoreSnapshot loads the most recent snapshot into the memory store,
// metrics ring, blacklist, and cache.
func (a *App) restoreSnapshot() error {
	state, err := a.snapshots.Read()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	if err := snapshot.RestoreCollections(a.MemStore, state); err != nil {
		return err
	}
	a.Metrics.Import(state.MetricsRing)
	if state.Blacklist != nil {
		a.Auth.Blacklist().Restore(state.Blacklist)
	}
	if a.CacheMem != nil && state.CacheDump != nil {
		a.CacheMem.Load(state.CacheDump)
	}
	a.Audit.Emit(audit.Event{
		Actor: "system", Action: audit.ActionSnapshotLoad,
		Target: a.snapshots.Path(), Status: "success",
		Details: fmt.Sprintf("written_at=%s", state.WrittenAt.Format(time.RFC3339)),
	})
	logging.Info("restored state snapshot",
		zap.String("path", a.snapshots.Path()),
		zap.Time("written_at", state.WrittenAt))
	return nil
}

// writeSnapshot captures and seals the current state. Called by the
// auto-save tick and once at shutdown; a no-op outside MEM mode.
func (a *App) writeSnapshot() error {
	if a.snapshots == nil || a.MemStore == nil {
		return nil
	}
	var cacheDump map[string]cache.DumpEntry
	if a.CacheMem != nil {
		cacheDump = a.CacheMem.Dump()
	}
	state, err := snapshot.Capture(a.MemStore, a.Metrics.Export(), a.Auth.Blacklist().Snapshot(), cacheDump)
	if err != nil {
		return err
	}
	if err := a.snapshots.Write(state); err != nil {
		return err
	}
	a.Audit.Emit(audit.Event{
		Actor: "system", Action: audit.ActionSnapshotWrite,
		Target: a.snapshots.Path(), Status: "success",
	})
	return nil
}

// StartBackground launches the periodic tasks: blacklist purge every 30
// minutes, metrics rollup every 5 minutes, snapshot auto-save per settings.
func (a *App) StartBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel

	run := func(interval time.Duration, name string, fn func()) {
		a.backgroundDone.Add(1)
		go func() {
			defer a.backgroundDone.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn()
				}
			}
		}()
		logging.Debug("background task started", zap.String("task", name), zap.Duration("interval", interval))
	}

	run(30*time.Minute, "blacklist_purge", func() {
		if n := a.Auth.Blacklist().Purge(time.Now()); n > 0 {
			logging.Debug("purged expired blacklist entries", zap.Int("count", n))
		}
	})
	run(a.Settings().Metrics.RollupInterval, "metrics_rollup", func() {
		a.Metrics.Rollup(time.Now())
	})
	run(time.Hour, "burst_bucket_sweep", func() {
		a.burst.Sweep(time.Now())
	})
	if a.snapshots != nil && a.Settings().Snapshot.AutoSaveInterval > 0 {
		run(a.Settings().Snapshot.AutoSaveInterval, "snapshot_autosave", func() {
			if err := a.writeSnapshot(); err != nil {
				logging.Error("snapshot auto-save failed", zap.Error(err))
			}
		})
	}
}

// Close stops background tasks, writes the final snapshot, and releases
// every backend.
func (a *App) Close(ctx context.Context) error {
	if a.stopBackground != nil {
		a.stopBackground()
		a.backgroundDone.Wait()
	}

	// Final rollup so the shutdown snapshot carries fully-rolled bands.
	a.Metrics.Rollup(time.Now().Add(time.Minute))

	var firstErr error
	if err := a.writeSnapshot(); err != nil {
		firstErr = err
		logging.Error("final snapshot write failed", zap.Error(err))
	}
	if err := a.Audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.geo != nil {
		a.geo.Close()
	}
	if err := a.Store.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
