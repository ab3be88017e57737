// Package cache implements the key-prefixed, TTL-bounded cache that fronts
// the config store on the request hot path. A fixed set of named prefixes covers the
// lookup shapes the gateway performs per request (API by path, API by id,
// endpoints, users, groups, roles, subscriptions, routings, credit
// definitions, load-balancer state, and fetched OpenAPI/WSDL documents).
// Two backends implement the same Backend interface: an in-process
// LRU-with-TTL store for single-worker MEM mode, and Redis for multi-worker
// deployments. Values are JSON-encoded; the cache never writes to the store —
// the orchestrator invalidates on writes and the next read refills.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Named prefixes. Every cached key is "{prefix}:{key}".
const (
	PrefixAPI                = "api_cache"
	PrefixAPIID              = "api_id_cache"
	PrefixEndpoint           = "endpoint_cache"
	PrefixEndpointValidation = "endpoint_validation_cache"
	PrefixGroup              = "group_cache"
	PrefixRole               = "role_cache"
	PrefixUser               = "user_cache"
	PrefixUserGroup          = "user_group_cache"
	PrefixUserRole           = "user_role_cache"
	PrefixUserSubscription   = "user_subscription_cache"
	PrefixEndpointServer     = "endpoint_server_cache"
	PrefixLoadBalancer       = "endpoint_load_balancer"
	PrefixClientRouting      = "client_routing_cache"
	PrefixCreditDef          = "credit_def_cache"
	PrefixOpenAPI            = "openapi_cache"
	PrefixWSDL               = "wsdl_cache"
)

// Prefixes lists every known prefix.
var Prefixes = []string{
	PrefixAPI, PrefixAPIID, PrefixEndpoint, PrefixEndpointValidation,
	PrefixGroup, PrefixRole, PrefixUser, PrefixUserGroup, PrefixUserRole,
	PrefixUserSubscription, PrefixEndpointServer, PrefixLoadBalancer,
	PrefixClientRouting, PrefixCreditDef, PrefixOpenAPI, PrefixWSDL,
}

// DefaultTTL applies when a prefix has no override and the Manager was built
// with a zero default.
const DefaultTTL = 24 * time.Hour

// Backend is the storage surface behind the Manager. Implementations store
// opaque bytes; JSON encoding is the Manager's concern.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	DeleteByPrefix(ctx context.Context, prefix string)
	Purge(ctx context.Context)
	Stats() Stats
}

// Stats contains backend-level statistics.
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"max_size"`  // 0 if N/A (Redis)
	Hits      int64 `json:"hits"`      // 0 if not tracked by the backend
	Misses    int64 `json:"misses"`    // 0 if not tracked by the backend
	Evictions int64 `json:"evictions"` // 0 if not tracked by the backend
}

// Manager is the prefix-aware cache facade the rest of the gateway uses.
type Manager struct {
	backend    Backend
	defaultTTL time.Duration
	ttls       map[string]time.Duration
}

// NewManager builds a Manager over backend with the given default TTL
// (zero means DefaultTTL). Per-prefix TTL overrides may be supplied for
// prefixes that should expire faster than configuration entities, e.g. the
// load-balancer cursor.
func NewManager(backend Backend, defaultTTL time.Duration, ttls map[string]time.Duration) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Manager{backend: backend, defaultTTL: defaultTTL, ttls: ttls}
}

// TTLFor returns the effective TTL for a prefix.
func (m *Manager) TTLFor(prefix string) time.Duration {
	if ttl, ok := m.ttls[prefix]; ok && ttl > 0 {
		return ttl
	}
	return m.defaultTTL
}

func fullKey(prefix, key string) string { return prefix + ":" + key }

// Get unmarshals the cached value for (prefix, key) into out, reporting
// whether a live entry existed. A corrupt entry is treated as a miss and
// evicted so the next read refills from the store.
func (m *Manager) Get(ctx context.Context, prefix, key string, out any) bool {
	raw, ok := m.backend.Get(ctx, fullKey(prefix, key))
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		m.backend.Delete(ctx, fullKey(prefix, key))
		return false
	}
	return true
}

// Set JSON-encodes value under (prefix, key) with the prefix's TTL.
// Binary values should be pre-encoded by the caller ([]byte marshals to
// base64 under encoding/json, which normalizes them for the Redis backend).
func (m *Manager) Set(ctx context.Context, prefix, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s:%s: %w", prefix, key, err)
	}
	m.backend.Set(ctx, fullKey(prefix, key), raw, m.TTLFor(prefix))
	return nil
}

// SetTTL is Set with an explicit TTL override for this one entry.
func (m *Manager) SetTTL(ctx context.Context, prefix, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s:%s: %w", prefix, key, err)
	}
	m.backend.Set(ctx, fullKey(prefix, key), raw, ttl)
	return nil
}

// Delete removes one entry.
func (m *Manager) Delete(ctx context.Context, prefix, key string) {
	m.backend.Delete(ctx, fullKey(prefix, key))
}

// ClearPrefix removes every entry under one prefix.
func (m *Manager) ClearPrefix(ctx context.Context, prefix string) {
	m.backend.DeleteByPrefix(ctx, prefix+":")
}

// ClearAll removes every entry under every known prefix.
func (m *Manager) ClearAll(ctx context.Context) {
	m.backend.Purge(ctx)
}

// Stats exposes the backend statistics.
func (m *Manager) Stats() Stats { return m.backend.Stats() }

// ErrUnhealthy is returned by HealthCheck when the round-trip fails.
var ErrUnhealthy = errors.New("cache: health check round-trip failed")

// HealthCheck round-trips a sentinel value through the backend, proving both
// the write and the read path work (for Redis, that the connection is live).
func (m *Manager) HealthCheck(ctx context.Context) error {
	const key = "health_check:sentinel"
	want := time.Now().UnixNano()
	raw, err := json.Marshal(want)
	if err != nil {
		return err
	}
	m.backend.Set(ctx, key, raw, 10*time.Second)
	got, ok := m.backend.Get(ctx, key)
	if !ok {
		return ErrUnhealthy
	}
	var have int64
	if err := json.Unmarshal(got, &have); err != nil || have != want {
		return ErrUnhealthy
	}
	m.backend.Delete(ctx, key)
	return nil
}

// InvalidateAPI removes both lookup keys for an API: the primary
// api_cache["{name}/{version}"] entry and the derived api_id_cache
// ["/{name}/{version}"] index, plus the per-API endpoint list and server
// list. Called by every CRUD write that touches the API.
func (m *Manager) InvalidateAPI(ctx context.Context, name, version string) {
	nameVer := name + "/" + version
	m.Delete(ctx, PrefixAPI, nameVer)
	m.Delete(ctx, PrefixAPIID, "/"+nameVer)
	m.Delete(ctx, PrefixEndpoint, nameVer)
	m.Delete(ctx, PrefixEndpointServer, nameVer)
	m.Delete(ctx, PrefixOpenAPI, nameVer)
	m.Delete(ctx, PrefixWSDL, nameVer)
}

// InvalidateEndpoint removes the endpoint list and validation entry for an API.
func (m *Manager) InvalidateEndpoint(ctx context.Context, name, version, method, uri string) {
	nameVer := name + "/" + version
	m.Delete(ctx, PrefixEndpoint, nameVer)
	m.Delete(ctx, PrefixEndpointValidation, nameVer+":"+method+":"+uri)
}

// InvalidateUser removes every user-derived key for a username.
func (m *Manager) InvalidateUser(ctx context.Context, username string) {
	m.Delete(ctx, PrefixUser, username)
	m.Delete(ctx, PrefixUserGroup, username)
	m.Delete(ctx, PrefixUserRole, username)
	m.Delete(ctx, PrefixUserSubscription, username)
}

// InvalidateRouting removes a caller's routing override.
func (m *Manager) InvalidateRouting(ctx context.Context, clientKey string) {
	m.Delete(ctx, PrefixClientRouting, clientKey)
}

// InvalidateCreditDef removes a credit group's cached definition.
func (m *Manager) InvalidateCreditDef(ctx context.Context, group string) {
	m.Delete(ctx, PrefixCreditDef, group)
}
