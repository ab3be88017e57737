package gateway

import (
	"github.com/doorman/gateway/internal/audit"
	"github.com/doorman/gateway/internal/circuitbreaker"
	"github.com/doorman/gateway/internal/config"
	"github.com/doorman/gateway/internal/proxy"
	"github.com/doorman/gateway/internal/ratelimit"
)

// ApplyReloadable swaps in the hot-reloadable settings subset: log level,
// dispatch timeouts and retry backoff, breaker thresholds, cache sizing,
// body caps, login IP guard, and the envelope mode. The dispatcher, breakers
// and login IP guard are reconfigured here; body caps and the envelope mode
// are read from the settings on every request. The log level and cache
// sizing are stored in the settings tree only: the running logger and cache
// backend keep the values they were built with. Structural settings
// (secrets, bind address, worker count, backend mode) are untouched; they
// require a restart.
func (a *App) ApplyReloadable(r config.Reloadable) {
	a.mu.Lock()
	r.Apply(a.settings)
	settings := a.settings
	a.mu.Unlock()

	a.Dispatcher.Reconfigure(proxy.Settings{
		UpstreamTimeout:  settings.Dispatch.UpstreamTimeout,
		RetryBackoffBase: settings.Dispatch.RetryBackoffBase,
		RetryBackoffMax:  settings.Dispatch.RetryBackoffMax,
	})

	a.Breakers.Reconfigure(circuitbreaker.Settings{
		Enabled:          settings.Dispatch.CircuitBreaker.Enabled,
		FailureThreshold: settings.Dispatch.CircuitBreaker.FailureThreshold,
		OpenTimeout:      settings.Dispatch.CircuitBreaker.OpenTimeout,
		HalfOpenRequests: settings.Dispatch.CircuitBreaker.HalfOpenRequests,
	})

	a.RateLimit.Reconfigure(ratelimit.Config{
		LoginIPRateDisabled: settings.Auth.LoginIPRateDisabled,
		LoginIPLimit:        settings.Auth.LoginIPLimit,
		LoginIPWindow:       settings.Auth.LoginIPWindow,
	})

	a.Audit.Emit(audit.Event{
		Actor: "system", Action: audit.ActionConfigReload,
		Target: "settings", Status: "success",
	})
}
