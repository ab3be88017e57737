package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
)

type fakeGeo map[string]string

func (g fakeGeo) CountryCode(ip string) (string, bool) {
	cc, ok := g[ip]
	return cc, ok
}

func seeded(t *testing.T) store.Facade {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.DeclareIndexes(ctx, mem))

	require.NoError(t, mem.InsertOne(ctx, store.CollRoles, &store.Role{RoleName: "user"}))
	require.NoError(t, mem.InsertOne(ctx, store.CollRoles, &store.Role{RoleName: "admin", ManageGateway: true}))
	require.NoError(t, mem.InsertOne(ctx, store.CollSubscriptions, &store.Subscription{
		Username: "subscribed", APIs: []string{"echo/v1"},
	}))
	return mem
}

func baseAPI() *store.API {
	return &store.API{
		APIID: "id-1", APIName: "echo", APIVersion: "v1",
		APIType: store.APITypeREST, Active: true,
		AllowedRoles:  []string{"user"},
		AllowedGroups: []string{"private"},
	}
}

func user(name, role string, groups ...string) *store.User {
	return &store.User{Username: name, Role: role, Groups: groups, Active: true}
}

func codeOf(t *testing.T, err error) gwerrors.Code {
	t.Helper()
	gwe, ok := gwerrors.As(err)
	require.True(t, ok, "expected a gateway error, got %v", err)
	return gwe.ErrCode
}

func TestInactiveAPIDenied(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.Active = false
	_, err := r.Authorize(context.Background(), api, user("u", "user", store.AllGroup), "1.1.1.1")
	assert.Error(t, err)
}

func TestPublicAPIAllowsAnonymous(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.Public = true
	d, err := r.Authorize(context.Background(), api, nil, "1.1.1.1")
	require.NoError(t, err)
	assert.Nil(t, d.User)
}

func TestPrivateAPIDeniesAnonymous(t *testing.T) {
	r := New(seeded(t), nil)
	_, err := r.Authorize(context.Background(), baseAPI(), nil, "1.1.1.1")
	assert.Error(t, err)
}

func TestIPAllowListOnly(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.IPMode = store.IPModeAllowListOnly
	api.IPAllow = []string{"10.0.0.0/8", "192.168.1.5"}

	u := user("subscribed", "user", store.AllGroup)

	_, err := r.Authorize(context.Background(), api, u, "10.1.2.3")
	assert.NoError(t, err)
	_, err = r.Authorize(context.Background(), api, u, "192.168.1.5")
	assert.NoError(t, err)
	_, err = r.Authorize(context.Background(), api, u, "8.8.8.8")
	assert.Equal(t, gwerrors.SecInvalidIP, codeOf(t, err))
}

func TestIPDenyList(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.IPMode = store.IPModeDenyList
	api.IPDeny = []string{"8.8.8.8"}

	u := user("subscribed", "user", store.AllGroup)
	_, err := r.Authorize(context.Background(), api, u, "8.8.8.8")
	assert.Error(t, err)
	_, err = r.Authorize(context.Background(), api, u, "9.9.9.9")
	assert.NoError(t, err)
}

func TestGeoBlock(t *testing.T) {
	geo := fakeGeo{"5.5.5.5": "KP", "6.6.6.6": "DE"}
	r := New(seeded(t), geo)
	api := baseAPI()
	api.GeoBlockedCountries = []string{"KP"}

	u := user("subscribed", "user", store.AllGroup)
	_, err := r.Authorize(context.Background(), api, u, "5.5.5.5")
	assert.Error(t, err)
	_, err = r.Authorize(context.Background(), api, u, "6.6.6.6")
	assert.NoError(t, err)
	// Unresolvable IPs skip the geo rule rather than denying.
	_, err = r.Authorize(context.Background(), api, u, "7.7.7.7")
	assert.NoError(t, err)
}

func TestRoleDenied(t *testing.T) {
	r := New(seeded(t), nil)
	_, err := r.Authorize(context.Background(), baseAPI(), user("u", "viewer", "private"), "1.1.1.1")
	assert.Error(t, err)
}

func TestGroupIntersectionAllows(t *testing.T) {
	r := New(seeded(t), nil)
	_, err := r.Authorize(context.Background(), baseAPI(), user("u", "user", "private"), "1.1.1.1")
	assert.NoError(t, err)
}

func TestAllGroupOnAPIAllowsEveryone(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.AllowedGroups = []string{store.AllGroup}
	_, err := r.Authorize(context.Background(), api, user("u", "user", "whatever"), "1.1.1.1")
	assert.NoError(t, err)
}

func TestUnsubscribedUserWithALLGroupDenied(t *testing.T) {
	// The user's own ALL membership does not open APIs that restrict groups;
	// only the API granting ALL (or a subscription) does.
	r := New(seeded(t), nil)
	_, err := r.Authorize(context.Background(), baseAPI(), user("alice", "user", store.AllGroup, "public"), "1.1.1.1")
	assert.Equal(t, gwerrors.SubNotFound, codeOf(t, err))
}

func TestSubscriptionAllows(t *testing.T) {
	r := New(seeded(t), nil)
	_, err := r.Authorize(context.Background(), baseAPI(), user("subscribed", "user", store.AllGroup), "1.1.1.1")
	assert.NoError(t, err)
}

func TestAdminBypassesRoleAndSubscriptionButNotIP(t *testing.T) {
	r := New(seeded(t), nil)
	api := baseAPI()
	api.AllowedRoles = []string{"user"}

	admin := user("root", "admin", store.AllGroup)
	_, err := r.Authorize(context.Background(), api, admin, "1.1.1.1")
	assert.NoError(t, err)

	api.IPMode = store.IPModeAllowListOnly
	api.IPAllow = []string{"10.0.0.1"}
	_, err = r.Authorize(context.Background(), api, admin, "1.1.1.1")
	assert.Error(t, err, "ip rules apply to admins too")
}
