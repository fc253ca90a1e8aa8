package datp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransactionRegistersAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()
	cache := newTestCache(t, store, nil)

	rec, err := cache.NewTransaction(ctx, "acme", "order-77", "payment")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.Owner())
	assert.Equal(t, "order-77", rec.ExternalID())
	assert.Equal(t, "payment", rec.TransactionType())
	assert.NotEmpty(t, rec.TxID())
	assert.Equal(t, 1, cache.CachedCount())

	row, err := store.GetTransaction(ctx, "acme", rec.TxID())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, string(StatusRunning), row.Status)
	assert.Equal(t, "order-77", row.ExternalID.String)
	assert.JSONEq(t, "{}", string(row.Switches))
}

func TestFindTransactionUnknown(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	rec, err := cache.FindTransaction(ctx, "tx-nope", true)
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = cache.FindTransaction(ctx, "tx-nope", false)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFindTransactionReplaysJournalAfterEviction(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()
	cache := newTestCache(t, store, nil)

	rec, err := cache.NewTransaction(ctx, "acme", "inv-1", "invoice")
	require.NoError(t, err)
	txID := rec.TxID()

	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{"status": Set(StatusQueued)}, false))
	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{"customer": Set(map[string]any{"name": "Fred", "tier": "gold"})}, false))
	require.NoError(t, rec.ApplyDelta(ctx, "step-1", Patch{"attempt": Set(float64(1))}, false))
	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{
		"status":         Set(StatusSleeping),
		"progressReport": Set(map[string]any{"done": float64(1)}),
		"customer":       Set(map[string]any{"tier": "platinum"}),
	}, false))

	require.NoError(t, cache.Persist(ctx, txID, true))
	assert.Equal(t, 0, cache.CachedCount())

	reloaded, err := cache.FindTransaction(ctx, txID, true)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.NotSame(t, rec, reloaded)

	assert.Equal(t, rec.Status(), reloaded.Status())
	assert.Equal(t, rec.DeltaCounter(), reloaded.DeltaCounter())
	assert.Equal(t, rec.SequenceOfUpdate(), reloaded.SequenceOfUpdate())
	assert.Equal(t, map[string]any{"done": float64(1)}, reloaded.ProgressReport())
	assert.Equal(t, map[string]any{
		"customer":       map[string]any{"name": "Fred", "tier": "platinum"},
		"status":         string(StatusSleeping),
		"progressReport": map[string]any{"done": float64(1)},
	}, reloaded.TransactionData())
	assert.Equal(t, map[string]any{"attempt": float64(1)}, reloaded.StepData("step-1"))

	// Replay must not have rewritten the durable row or journal.
	row, err := store.GetTransaction(ctx, "acme", txID)
	require.NoError(t, err)
	assert.Equal(t, 4, row.SequenceOfUpdate)
	deltas, err := store.ListDeltas(ctx, "acme", txID)
	require.NoError(t, err)
	assert.Len(t, deltas, 4)
}

func TestFindTransactionReturnsRegisteredInstance(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	rec, err := cache.NewTransaction(ctx, "acme", "", "example")
	require.NoError(t, err)

	again, err := cache.FindTransaction(ctx, rec.TxID(), true)
	require.NoError(t, err)
	assert.Same(t, rec, again)
}

func TestFindTransactionByExternalIDUsesLookupCache(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()
	cache := newTestCache(t, store, nil)

	rec, err := cache.NewTransaction(ctx, "acme", "order-9", "payment")
	require.NoError(t, err)

	// NewTransaction primed the lookup cache; no store resolution needed.
	found, err := cache.FindTransactionByExternalID(ctx, "acme", "order-9", true)
	require.NoError(t, err)
	assert.Same(t, rec, found)
	assert.Equal(t, 0, store.resolveCalls)

	// A second cache (fresh process) has to resolve once, then remembers.
	other := newTestCache(t, store, nil)
	_, err = other.FindTransactionByExternalID(ctx, "acme", "order-9", true)
	require.NoError(t, err)
	assert.Equal(t, 1, store.resolveCalls)
	_, err = other.FindTransactionByExternalID(ctx, "acme", "order-9", true)
	require.NoError(t, err)
	assert.Equal(t, 1, store.resolveCalls)
}

func TestFindTransactionByExternalIDUnknown(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	rec, err := cache.FindTransactionByExternalID(ctx, "acme", "missing", true)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPersistRequiresCachedRecord(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	err := cache.Persist(ctx, "tx-not-cached", false)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPersistDrainsPendingJournal(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	rec, err := cache.NewTransaction(ctx, "acme", "", "example")
	require.NoError(t, err)
	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{"a": Set(1)}, false))
	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{"b": Set(2)}, false))
	require.Equal(t, 2, rec.PendingDeltaCount())

	require.NoError(t, cache.Persist(ctx, rec.TxID(), false))
	assert.Equal(t, 0, rec.PendingDeltaCount())
	assert.Equal(t, 1, cache.CachedCount())
}
