package datp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tooltwist/datp-sub001/internal/storage"
)

func TestGetSummaryProjectsDurableRow(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()
	cache := newTestCache(t, store, nil)

	rec, err := cache.NewTransaction(ctx, "fred", "e-100", "example")
	require.NoError(t, err)
	txID := rec.TxID()

	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{"status": Set(StatusQueued)}, false))

	summary, err := cache.GetSummary(ctx, "fred", txID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, summary.Metadata.Status)
	assert.Equal(t, 1, summary.Metadata.SequenceOfUpdate)
	assert.Equal(t, "e-100", summary.Metadata.ExternalID)
	// Not terminal: the output stays hidden.
	assert.Nil(t, summary.Data)

	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{
		"status":         Set(StatusSleeping),
		"progressReport": Set(map[string]any{"description": "waiting"}),
	}, false))

	summary, err = cache.GetSummary(ctx, "fred", txID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Metadata.SequenceOfUpdate)
	report, ok := summary.ProgressReport.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "waiting", report["description"])

	require.NoError(t, rec.ApplyDelta(ctx, "", Patch{
		"status":            Set(StatusSuccess),
		"transactionOutput": Set(map[string]any{"result": float64(42)}),
	}, false))

	summary, err = cache.GetSummary(ctx, "fred", txID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, summary.Metadata.Status)
	assert.Equal(t, map[string]any{"result": float64(42)}, summary.Data)
}

func TestGetSummaryUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	_, err := cache.GetSummary(ctx, "acme", "tx-nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = cache.GetSummaryByExternalID(ctx, "acme", "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestSummaryProgressReportFallsBackToRawText(t *testing.T) {
	row := &storage.TransactionRow{
		Owner:           "acme",
		TxID:            "tx-raw",
		TransactionType: "example",
		Status:          string(StatusRunning),
		ProgressReport:  []byte("not json {"),
	}

	summary := summaryFromRow(JSONCodec{}, row)
	assert.Equal(t, "not json {", summary.ProgressReport)
}

func TestStampCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()
	cache := newTestCache(t, store, nil)

	rec, err := cache.NewTransaction(ctx, "acme", "", "example")
	require.NoError(t, err)

	require.NoError(t, cache.StampCompletion(ctx, rec.TxID()))
	require.NotNil(t, rec.CompletionTime())
	stamped := *rec.CompletionTime()
	counter := rec.DeltaCounter()

	// Already stamped: no further delta.
	time.Sleep(time.Millisecond)
	require.NoError(t, cache.StampCompletion(ctx, rec.TxID()))
	assert.Equal(t, counter, rec.DeltaCounter())
	assert.True(t, rec.CompletionTime().Equal(stamped))
}

func TestStampCompletionUnknownTransaction(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t, newFakeGateway(), nil)

	err := cache.StampCompletion(ctx, "tx-nope")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
