package gateway

import (
	"net/http"
	"time"
)

// handleLiveness is the unauthenticated process-up probe.
func (a *App) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// readinessDetail is the full view returned to manage_gateway callers.
type readinessDetail struct {
	Status       string    `json:"status"`
	Time         time.Time `json:"time"`
	CacheHealthy bool      `json:"cache_healthy"`
	CacheStats   any       `json:"cache_stats"`
	StoreMode    string    `json:"store_mode"`
	AuditWritten int64     `json:"audit_events_written"`
	AuditDropped int64     `json:"audit_events_dropped"`
	Blacklisted  int       `json:"blacklisted_tokens"`
}

// handleReadiness returns a minimal public body; callers whose role carries
// manage_gateway get the full component detail.
func (a *App) handleReadiness(w http.ResponseWriter, r *http.Request) {
	cacheErr := a.Cache.HealthCheck(r.Context())

	status := "ready"
	code := http.StatusOK
	if cacheErr != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	// Detail view only for manage_gateway callers; identification failures
	// fall through to the minimal body rather than erroring a health probe.
	who, _ := a.identify(r.Context(), r)
	if who.User != nil {
		if role, ok := a.lookupRole(r.Context(), who.User.Role); ok && role.ManageGateway {
			mode := "embedded"
			if a.MemStore == nil {
				mode = "external"
			}
			written, dropped := a.Audit.Stats()
			writeJSON(w, code, readinessDetail{
				Status:       status,
				Time:         time.Now().UTC(),
				CacheHealthy: cacheErr == nil,
				CacheStats:   a.Cache.Stats(),
				StoreMode:    mode,
				AuditWritten: written,
				AuditDropped: dropped,
				Blacklisted:  a.Auth.Blacklist().Len(),
			})
			return
		}
	}

	writeJSON(w, code, map[string]string{"status": status})
}
