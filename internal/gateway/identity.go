package gateway

import (
	"context"
	"net/http"

	"github.com/doorman/gateway/internal/authn"
	"github.com/doorman/gateway/internal/cache"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

// caller is the identified requester, or anonymous when User is nil.
type caller struct {
	User   *store.User
	Claims *authn.Claims
}

func (c *caller) username() string {
	if c == nil || c.User == nil {
		return "anonymous"
	}
	return c.User.Username
}

// identify parses the bearer token or cookie and loads the user. It never
// fails outright: a missing or invalid token yields an anonymous caller and
// the reason, and the authorization step decides whether anonymity is
// acceptable for the resolved API. Metrics consume whatever identity exists.
func (a *App) identify(ctx context.Context, r *http.Request) (*caller, *gwerrors.Error) {
	token := authn.FromRequest(r)
	if token == "" {
		return &caller{}, gwerrors.ErrTokenMissing
	}

	claims, err := a.Auth.Verify(token, "access")
	if err != nil {
		if gwe, ok := gwerrors.As(err); ok {
			return &caller{}, gwe
		}
		return &caller{}, gwerrors.ErrTokenInvalid
	}

	user, gwe := a.lookupUser(ctx, claims.Subject)
	if gwe != nil {
		return &caller{}, gwe
	}
	if !user.Active {
		return &caller{}, gwerrors.ErrUserInactive
	}
	return &caller{User: user, Claims: claims}, nil
}

// lookupUser loads a user cache-aside.
func (a *App) lookupUser(ctx context.Context, username string) (*store.User, *gwerrors.Error) {
	user := &store.User{}
	if a.Cache.Get(ctx, cache.PrefixUser, username, user) {
		return user, nil
	}
	if err := a.Store.FindOne(ctx, store.CollUsers, store.Filter{"Username": username}, user); err != nil {
		return nil, gwerrors.New(gwerrors.UsrNotFound, http.StatusUnauthorized, "user not found")
	}
	a.Cache.Set(ctx, cache.PrefixUser, username, user)
	return user, nil
}

// lookupRole loads a role cache-aside; used by the readiness detail gate.
func (a *App) lookupRole(ctx context.Context, roleName string) (*store.Role, bool) {
	role := &store.Role{}
	if a.Cache.Get(ctx, cache.PrefixRole, roleName, role) {
		return role, true
	}
	if err := a.Store.FindOne(ctx, store.CollRoles, store.Filter{"RoleName": roleName}, role); err != nil {
		return nil, false
	}
	a.Cache.Set(ctx, cache.PrefixRole, roleName, role)
	return role, true
}

// lookupRouting returns the caller's routing override for an API, if any.
// The client key travels in the X-Client-Key header.
func (a *App) lookupRouting(ctx context.Context, r *http.Request, api *store.API) (*store.Routing, string) {
	clientKey := r.Header.Get("X-Client-Key")
	if clientKey == "" {
		return nil, ""
	}

	routing := &store.Routing{}
	cacheKey := clientKey + ":" + api.APIName + "/" + api.APIVersion
	if a.Cache.Get(ctx, cache.PrefixClientRouting, cacheKey, routing) {
		return routing, clientKey
	}
	err := a.Store.FindOne(ctx, store.CollRoutings, store.Filter{
		"ClientKey": clientKey, "APIName": api.APIName, "APIVersion": api.APIVersion,
	}, routing)
	if err != nil {
		return nil, clientKey
	}
	a.Cache.Set(ctx, cache.PrefixClientRouting, cacheKey, routing)
	return routing, clientKey
}
