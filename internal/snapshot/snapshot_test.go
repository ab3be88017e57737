package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorman/gateway/internal/store"
)

func seededStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	mem := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.DeclareIndexes(ctx, mem))

	require.NoError(t, mem.InsertOne(ctx, store.CollAPIs, &store.API{
		APIID: "id-1", APIName: "echo", APIVersion: "v1", APIType: store.APITypeREST,
		Active: true, APIServers: []string{"http://upstream"},
	}))
	require.NoError(t, mem.InsertOne(ctx, store.CollUsers, &store.User{
		Username: "alice", Email: "alice@example.com", Role: "user",
		Groups: []string{store.AllGroup}, Active: true,
	}))
	require.NoError(t, mem.InsertOne(ctx, store.CollSubscriptions, &store.Subscription{
		Username: "alice", APIs: []string{"echo/v1"},
	}))
	return mem
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.bin")
	w, err := NewWriter("test-mem-key", path)
	require.NoError(t, err)

	mem := seededStore(t)
	blacklist := map[string]time.Time{"jti-1": time.Now().Add(time.Hour).UTC()}

	state, err := Capture(mem, nil, blacklist, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(state))

	got, err := w.Read()
	require.NoError(t, err)
	require.NotNil(t, got)

	restored := store.NewMemoryStore()
	require.NoError(t, store.DeclareIndexes(context.Background(), restored))
	require.NoError(t, RestoreCollections(restored, got))

	var api store.API
	require.NoError(t, restored.FindOne(context.Background(), store.CollAPIs, store.Filter{"APIName": "echo"}, &api))
	assert.Equal(t, "id-1", api.APIID)
	assert.Equal(t, []string{"http://upstream"}, api.APIServers)

	var user store.User
	require.NoError(t, restored.FindOne(context.Background(), store.CollUsers, store.Filter{"Username": "alice"}, &user))
	assert.Equal(t, "alice@example.com", user.Email)

	require.Len(t, got.Blacklist, 1)
}

func TestMissingFileIsNotAnError(t *testing.T) {
	w, err := NewWriter("key", filepath.Join(t.TempDir(), "absent.bin"))
	require.NoError(t, err)
	state, err := w.Read()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestWrongKeyFailsToUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.bin")
	w1, err := NewWriter("key-one", path)
	require.NoError(t, err)

	state, err := Capture(seededStore(t), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w1.Write(state))

	w2, err := NewWriter("key-two", path)
	require.NoError(t, err)
	_, err = w2.Read()
	assert.Error(t, err)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewWriter("", "x.bin")
	assert.Error(t, err)
}

func TestUniquenessSurvivesRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.bin")
	w, err := NewWriter("key", path)
	require.NoError(t, err)

	state, err := Capture(seededStore(t), nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(state))

	got, err := w.Read()
	require.NoError(t, err)

	restored := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.DeclareIndexes(ctx, restored))
	require.NoError(t, RestoreCollections(restored, got))

	// Inserting a duplicate (api_name, api_version) still conflicts.
	err = restored.InsertOne(ctx, store.CollAPIs, &store.API{APIName: "echo", APIVersion: "v1"})
	assert.ErrorIs(t, err, store.ErrConflict)
}
