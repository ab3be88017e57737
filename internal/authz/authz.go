// Package authz implements the authorization resolver: the fixed,
// ordered sequence of checks that decides whether an authenticated (or
// anonymous, for public APIs) caller may invoke a resolved API, given its
// active flag, IP allow/deny list, geo-blocked countries, visibility,
// allowed roles/groups, and subscription list.
package authz

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

// GeoLookup resolves a client IP to a country code; nil when no mmdb is
// configured, in which case geo-blocking is skipped entirely.
type GeoLookup interface {
	CountryCode(ip string) (string, bool)
}

// Resolver runs the seven-step authorization order against a resolved API.
type Resolver struct {
	facade store.Facade
	geo    GeoLookup
}

// New builds a Resolver over the config store facade and an optional geo lookup.
func New(facade store.Facade, geo GeoLookup) *Resolver {
	return &Resolver{facade: facade, geo: geo}
}

// Decision carries the outcome of a successful authorization, including
// whatever the orchestrator needs downstream (rate/credit/dispatch).
type Decision struct {
	API          *store.API
	User         *store.User // nil for an anonymous call to a public API
	Subscription *store.Subscription
}

// Authorize runs, in order: (1) API active, (2) IP allow/deny, (3) geo block,
// (4) public-vs-authenticated visibility, (5) role check, (6) group check,
// (7) subscription check. It stops and returns the first failing check.
func (r *Resolver) Authorize(ctx context.Context, api *store.API, user *store.User, clientIP string) (*Decision, error) {
	// 1. API must be active.
	if !api.Active {
		return nil, gwerrors.ErrInactiveAPI
	}

	// 2. IP allow/deny list.
	if err := r.checkIP(api, clientIP); err != nil {
		return nil, err
	}

	// 3. Geo-blocked countries.
	if err := r.checkGeo(api, clientIP); err != nil {
		return nil, err
	}

	// 4. Visibility: public APIs permit anonymous callers; private APIs require one.
	if !api.Public && user == nil {
		return nil, gwerrors.ErrTokenMissing
	}
	if api.Public && user == nil {
		return &Decision{API: api}, nil
	}

	// 5. Role check. A role carrying manage_gateway bypasses the role and
	// subscription checks (but never the IP/geo rules above).
	admin := r.hasManageGateway(ctx, user.Role)
	if !admin && len(api.AllowedRoles) > 0 && !contains(api.AllowedRoles, user.Role) {
		return nil, gwerrors.ErrRoleDenied
	}

	// 6-7. Group/subscription check: the caller passes when their groups
	// intersect api_allowed_groups, when the API grants the synthetic ALL
	// group, or when they hold an explicit subscription. A denial here is a
	// subscription denial — the caller's fix is to subscribe.
	var sub *store.Subscription
	if !admin {
		groupOK := containsAny(api.AllowedGroups, user.Groups) || contains(api.AllowedGroups, store.AllGroup)
		if !groupOK {
			sub = &store.Subscription{}
			if err := r.facade.FindOne(ctx, store.CollSubscriptions, store.Filter{"Username": user.Username}, sub); err != nil {
				return nil, gwerrors.ErrSubscriptionRequired
			}
			if !sub.Has(api.APIName + "/" + api.APIVersion) {
				return nil, gwerrors.ErrSubscriptionRequired
			}
		}
	}

	return &Decision{API: api, User: user, Subscription: sub}, nil
}

// hasManageGateway reports whether the caller's role carries the
// manage_gateway permission.
func (r *Resolver) hasManageGateway(ctx context.Context, roleName string) bool {
	role := &store.Role{}
	if err := r.facade.FindOne(ctx, store.CollRoles, store.Filter{"RoleName": roleName}, role); err != nil {
		return false
	}
	return role.ManageGateway
}

func (r *Resolver) checkIP(api *store.API, clientIP string) error {
	if api.IPMode == "" || api.IPMode == store.IPModeAllowAll {
		return nil
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return gwerrors.ErrIPDenied
	}
	switch api.IPMode {
	case store.IPModeAllowListOnly:
		if !ipInList(ip, api.IPAllow) {
			return gwerrors.ErrIPDenied
		}
	case store.IPModeDenyList:
		if ipInList(ip, api.IPDeny) {
			return gwerrors.ErrIPDenied
		}
	}
	return nil
}

func ipInList(ip net.IP, entries []string) bool {
	for _, e := range entries {
		if strings.Contains(e, "/") {
			_, cidr, err := net.ParseCIDR(e)
			if err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if net.ParseIP(e).Equal(ip) {
			return true
		}
	}
	return false
}

func (r *Resolver) checkGeo(api *store.API, clientIP string) error {
	if r.geo == nil || len(api.GeoBlockedCountries) == 0 {
		return nil
	}
	cc, ok := r.geo.CountryCode(clientIP)
	if !ok {
		return nil
	}
	if contains(api.GeoBlockedCountries, cc) {
		return gwerrors.ErrGeoDenied
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

func containsAny(list, candidates []string) bool {
	for _, c := range candidates {
		if contains(list, c) {
			return true
		}
	}
	return false
}

// ClientIPFromRequest returns the host part of r.RemoteAddr, or RemoteAddr
// unchanged when it carries no port. It reads no forwarding headers; the
// pipeline falls back to it only when the ingress real-IP middleware left no
// resolved address in the request context.
func ClientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
