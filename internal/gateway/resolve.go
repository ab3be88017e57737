package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/doorman/gateway/internal/cache"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

// routeFamily is the protocol segment of an inbound /api/{family}/... path.
type routeFamily string

const (
	familyREST    routeFamily = "rest"
	familySOAP    routeFamily = "soap"
	familyGraphQL routeFamily = "graphql"
	familyGRPC    routeFamily = "grpc"
)

// resolvedRoute is the outcome of URL parsing plus API lookup.
type resolvedRoute struct {
	Family      routeFamily
	API         *store.API
	Endpoint    *store.Endpoint
	StripPrefix string
	// Rest is the upstream-relative path (REST/SOAP only).
	Rest string
}

// parseRoute splits /api/{family}/{name}/{version}{rest} (REST/SOAP) or
// /api/{family}/{name} with the version in X-API-Version (GraphQL/gRPC).
func parseRoute(r *http.Request) (family routeFamily, name, version, rest string, err *gwerrors.Error) {
	path := strings.TrimPrefix(r.URL.Path, "/api/")
	parts := strings.SplitN(path, "/", 4)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", "", gwerrors.ErrAPINotFound
	}

	family = routeFamily(parts[0])
	name = parts[1]

	switch family {
	case familyREST, familySOAP:
		if len(parts) < 3 || parts[2] == "" {
			return "", "", "", "", gwerrors.ErrAPINotFound
		}
		version = parts[2]
		if len(parts) == 4 {
			rest = "/" + parts[3]
		} else {
			rest = "/"
		}
	case familyGraphQL, familyGRPC:
		version = r.Header.Get("X-API-Version")
		if version == "" {
			version = "v1"
		}
	default:
		return "", "", "", "", gwerrors.ErrAPINotFound
	}
	return family, name, version, rest, nil
}

// lookupAPI resolves an API through api_cache, then api_id_cache, then the
// store, repopulating the cache tiers it missed.
func (a *App) lookupAPI(ctx context.Context, name, version string) (*store.API, *gwerrors.Error) {
	nameVer := name + "/" + version

	api := &store.API{}
	if a.Cache.Get(ctx, cache.PrefixAPI, nameVer, api) {
		return api, nil
	}

	// Second tier: the derived path → api_id index.
	var apiID string
	if a.Cache.Get(ctx, cache.PrefixAPIID, "/"+nameVer, &apiID) && apiID != "" {
		if err := a.Store.FindOne(ctx, store.CollAPIs, store.Filter{"APIID": apiID}, api); err == nil {
			a.Cache.Set(ctx, cache.PrefixAPI, nameVer, api)
			return api, nil
		}
	}

	err := a.Store.FindOne(ctx, store.CollAPIs, store.Filter{"APIName": name, "APIVersion": version}, api)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, gwerrors.ErrAPINotFound
		}
		return nil, gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "api lookup failed")
	}

	a.Cache.Set(ctx, cache.PrefixAPI, nameVer, api)
	a.Cache.Set(ctx, cache.PrefixAPIID, "/"+nameVer, api.APIID)
	return api, nil
}

// lookupEndpoints returns the API's endpoint list, cache-aside.
func (a *App) lookupEndpoints(ctx context.Context, name, version string) ([]*store.Endpoint, *gwerrors.Error) {
	nameVer := name + "/" + version

	var endpoints []*store.Endpoint
	if a.Cache.Get(ctx, cache.PrefixEndpoint, nameVer, &endpoints) {
		return endpoints, nil
	}

	err := a.Store.FindList(ctx, store.CollEndpoints, store.Filter{"APIName": name, "APIVersion": version}, &endpoints)
	if err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "endpoint lookup failed")
	}
	a.Cache.Set(ctx, cache.PrefixEndpoint, nameVer, endpoints)
	return endpoints, nil
}

// matchEndpoint finds the endpoint for (method, path) ignoring the query
// string. Path template segments in {braces} match any single segment.
func matchEndpoint(endpoints []*store.Endpoint, method, path string) *store.Endpoint {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		path = "/"
	}
	for _, ep := range endpoints {
		if !strings.EqualFold(ep.Method, method) {
			continue
		}
		if pathMatches(ep.URI, path) {
			return ep
		}
	}
	return nil
}

func pathMatches(pattern, path string) bool {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		pattern = "/"
	}
	if pattern == path {
		return true
	}
	pp := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	sp := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(pp) != len(sp) {
		return false
	}
	for i := range pp {
		if strings.HasPrefix(pp[i], "{") && strings.HasSuffix(pp[i], "}") {
			continue
		}
		if pp[i] != sp[i] {
			return false
		}
	}
	return true
}

// resolve runs URL parsing, API lookup, and endpoint matching for one request.
func (a *App) resolve(ctx context.Context, r *http.Request) (*resolvedRoute, *gwerrors.Error) {
	family, name, version, rest, gwe := parseRoute(r)
	if gwe != nil {
		return nil, gwe
	}

	api, gwe := a.lookupAPI(ctx, name, version)
	if gwe != nil {
		return nil, gwe
	}

	// The route family must agree with the API's configured protocol.
	expected := map[routeFamily]store.APIType{
		familyREST:    store.APITypeREST,
		familySOAP:    store.APITypeSOAP,
		familyGraphQL: store.APITypeGraphQL,
		familyGRPC:    store.APITypeGRPC,
	}[family]
	if api.APIType != expected {
		return nil, gwerrors.ErrAPINotFound.WithDetails("api is not exposed under this protocol family")
	}

	// The admin surface rejects this combination at write time; a document
	// that arrived through another path (restore, external store) is a
	// config error, not something to guess a policy for.
	if api.Public && api.CreditsEnabled {
		return nil, gwerrors.ErrPublicCreditsConflict
	}

	route := &resolvedRoute{Family: family, API: api, Rest: rest}

	switch family {
	case familyREST, familySOAP:
		route.StripPrefix = "/api/" + string(family) + "/" + name + "/" + version
		endpoints, gwe := a.lookupEndpoints(ctx, name, version)
		if gwe != nil {
			return nil, gwe
		}
		ep := matchEndpoint(endpoints, r.Method, rest)
		if ep == nil {
			return nil, gwerrors.ErrEndpointNotFound
		}
		route.Endpoint = ep
	case familyGraphQL:
		route.StripPrefix = "/api/graphql/" + name
		route.Endpoint = &store.Endpoint{APIName: name, APIVersion: version, Method: http.MethodPost, URI: "/graphql"}
	case familyGRPC:
		route.StripPrefix = "/api/grpc/" + name
		route.Endpoint = &store.Endpoint{APIName: name, APIVersion: version, Method: http.MethodPost, URI: "/grpc"}
	}

	// GraphQL/gRPC synthetic endpoints still honor a stored override (e.g. a
	// validation schema attached to the single /graphql endpoint).
	if family == familyGraphQL || family == familyGRPC {
		if endpoints, gwe := a.lookupEndpoints(ctx, name, version); gwe == nil {
			if ep := matchEndpoint(endpoints, http.MethodPost, route.Endpoint.URI); ep != nil {
				route.Endpoint = ep
			}
		}
	}

	return route, nil
}
