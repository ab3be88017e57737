package credit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorman/gateway/internal/counter"
	"github.com/doorman/gateway/internal/store"
	"github.com/doorman/gateway/internal/vault"
)

func newLedger(t *testing.T) (*Ledger, store.Facade, *vault.Master) {
	t.Helper()
	mem := store.NewMemoryStore()
	require.NoError(t, store.DeclareIndexes(context.Background(), mem))
	master := vault.NewMaster("ledger-test-key")
	return New(mem, counter.NewMemoryStore(), master), mem, master
}

func seedCredits(t *testing.T, facade store.Facade, username string, available int64) {
	t.Helper()
	require.NoError(t, facade.InsertOne(context.Background(), store.CollUserCredits, &store.UserCredits{
		Username: username,
		Entries: map[string]*store.UserCreditEntry{
			"g1": {TierName: "basic", AvailableCredits: available, ResetDate: time.Now().Add(24 * time.Hour)},
		},
	}))
}

func TestPreCheckPassesWithBalance(t *testing.T) {
	l, facade, _ := newLedger(t)
	seedCredits(t, facade, "alice", 2)

	entry, err := l.PreCheck(context.Background(), "alice", "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.AvailableCredits)
}

func TestPreCheckDeniesUnknownUser(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.PreCheck(context.Background(), "ghost", "g1")
	assert.Error(t, err)
}

func TestPreCheckDeniesUnknownGroup(t *testing.T) {
	l, facade, _ := newLedger(t)
	seedCredits(t, facade, "alice", 2)
	_, err := l.PreCheck(context.Background(), "alice", "other-group")
	assert.Error(t, err)
}

func TestDeductionExhaustsBalance(t *testing.T) {
	l, facade, _ := newLedger(t)
	seedCredits(t, facade, "alice", 2)
	ctx := context.Background()
	reset := time.Now().Add(24 * time.Hour)

	for i := 0; i < 2; i++ {
		_, err := l.PreCheck(ctx, "alice", "g1")
		require.NoError(t, err)
		require.NoError(t, l.PostDeduct(ctx, "alice", "g1", 1, reset))
	}

	_, err := l.PreCheck(ctx, "alice", "g1")
	assert.Error(t, err, "third call exceeds the 2-credit balance")
}

func TestShouldCharge(t *testing.T) {
	assert.True(t, ShouldCharge(200))
	assert.True(t, ShouldCharge(201))
	assert.True(t, ShouldCharge(404), "4xx consumed upstream quota and is charged")
	assert.True(t, ShouldCharge(429))
	assert.False(t, ShouldCharge(500))
	assert.False(t, ShouldCharge(503))
}

func rotationDef(t *testing.T, master *vault.Master, start, expires time.Time) *store.CreditDefinition {
	t.Helper()
	oldKey, err := master.SealGroup("g1", []byte("old-key"))
	require.NoError(t, err)
	newKey, err := master.SealGroup("g1", []byte("new-key"))
	require.NoError(t, err)
	return &store.CreditDefinition{
		APICreditGroup:        "g1",
		EncryptedAPIKey:       oldKey,
		EncryptedAPIKeyNew:    newKey,
		APIKeyRotationStart:   start,
		APIKeyRotationExpires: expires,
		APIKeyHeader:          "X-API-Key",
	}
}

func TestOutboundKeyBeforeRotation(t *testing.T) {
	l, _, master := newLedger(t)
	def := rotationDef(t, master, time.Now().Add(time.Hour), time.Now().Add(2*time.Hour))

	key, err := l.OutboundKey(def)
	require.NoError(t, err)
	assert.Equal(t, "old-key", string(key))
}

func TestOutboundKeyDuringGracePrefersNew(t *testing.T) {
	l, _, master := newLedger(t)
	def := rotationDef(t, master, time.Now().Add(-time.Minute), time.Now().Add(time.Minute))

	key, err := l.OutboundKey(def)
	require.NoError(t, err)
	assert.Equal(t, "new-key", string(key))
}

func TestOutboundKeyAfterExpiryOnlyNew(t *testing.T) {
	l, _, master := newLedger(t)
	def := rotationDef(t, master, time.Now().Add(-time.Hour), time.Now().Add(-time.Minute))

	key, err := l.OutboundKey(def)
	require.NoError(t, err)
	assert.Equal(t, "new-key", string(key))
}

func TestOutboundKeyNoRotationConfigured(t *testing.T) {
	l, _, master := newLedger(t)
	oldKey, err := master.SealGroup("g1", []byte("only-key"))
	require.NoError(t, err)
	def := &store.CreditDefinition{APICreditGroup: "g1", EncryptedAPIKey: oldKey}

	key, err := l.OutboundKey(def)
	require.NoError(t, err)
	assert.Equal(t, "only-key", string(key))
}

func TestRotationStateBoundaries(t *testing.T) {
	_, _, master := newLedger(t)
	now := time.Now()
	def := rotationDef(t, master, now.Add(-10*time.Second), now.Add(10*time.Second))

	assert.Equal(t, store.RotationGrace, def.State(now))
	assert.Equal(t, store.RotationComplete, def.State(now.Add(10*time.Second)), "expiry instant completes the rotation")
	assert.Equal(t, store.RotationComplete, def.State(now.Add(11*time.Second)))
	assert.Equal(t, store.RotationNone, def.State(now.Add(-11*time.Second)))
}
