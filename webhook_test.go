package datp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookBackoffSchedule(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 14 * time.Second},
		{2, 20 * time.Second},
		{3, 27 * time.Second},
		{4, 38 * time.Second},
		{12, 567 * time.Second},
		{13, 600 * time.Second},
		{50, 600 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, webhookBackoff(tc.retryCount), "retryCount=%d", tc.retryCount)
	}
}

func newTestEngine(t *testing.T, store WebhookStore, summaries SummarySource, key *rsa.PrivateKey) *WebhookDeliveryEngine {
	t.Helper()
	engine, err := NewWebhookDeliveryEngine(WebhookConfig{
		Store:      store,
		Summaries:  summaries,
		PrivateKey: key,
		Client:     &http.Client{Timeout: 5 * time.Second},
	})
	require.NoError(t, err)
	return engine
}

func completedSummary(txID string) *Summary {
	done := time.Now().UTC().Truncate(time.Second)
	return &Summary{
		Metadata: Metadata{
			Owner:            "acme",
			TxID:             txID,
			TransactionType:  "payment",
			Status:           StatusSuccess,
			SequenceOfUpdate: 5,
			CompletionTime:   &done,
		},
		ProgressReport: map[string]any{"done": float64(3), "total": float64(3)},
		Data:           map[string]any{"result": float64(42)},
	}
}

func TestScheduleDeliverySuccess(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	var received atomic.Pointer[[]byte]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	engine := newTestEngine(t, store, &stubSummaries{summary: completedSummary("tx-wh-1")}, key)
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-1", server.URL, EventTransactionComplete))

	bodyPtr := received.Load()
	require.NotNil(t, bodyPtr, "webhook target never received a request")

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(*bodyPtr, &payload))
	assert.Equal(t, EventTransactionComplete, payload.EventType)
	assert.Equal(t, "tx-wh-1", payload.Metadata.TxID)
	assert.Equal(t, StatusSuccess, payload.Metadata.Status)
	assert.Equal(t, map[string]any{"result": float64(42)}, payload.Data)
	require.NotEmpty(t, payload.Signature)

	// The signature covers the body serialized without its signature field.
	signature := payload.Signature
	payload.Signature = ""
	unsigned, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.NoError(t, VerifyWebhookBody(&key.PublicKey, unsigned, signature))

	wh, err := store.GetWebhook(ctx, "acme", "tx-wh-1")
	require.NoError(t, err)
	require.NotNil(t, wh)
	assert.Equal(t, "complete", wh.Status)
	assert.Equal(t, 0, wh.RetryCount)
}

func TestScheduleDeliveryUnsignedWithoutKey(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	var received atomic.Pointer[[]byte]
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.Store(&body)
	}))
	defer server.Close()

	engine := newTestEngine(t, store, &stubSummaries{summary: completedSummary("tx-wh-2")}, nil)
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-2", server.URL, EventTransactionComplete))

	bodyPtr := received.Load()
	require.NotNil(t, bodyPtr)
	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(*bodyPtr, &payload))
	assert.Empty(t, payload.Signature)
}

func TestScheduleDeliveryFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	engine := newTestEngine(t, store, &stubSummaries{summary: completedSummary("tx-wh-3")}, nil)
	before := time.Now()
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-3", server.URL, EventTransactionComplete))

	wh, err := store.GetWebhook(ctx, "acme", "tx-wh-3")
	require.NoError(t, err)
	require.NotNil(t, wh)
	assert.Equal(t, "pending", wh.Status)
	assert.Equal(t, 1, wh.RetryCount)
	assert.NotEmpty(t, wh.Message)
	// First retry lands one minimum interval out.
	assert.True(t, wh.NextAttempt.After(before.Add(9*time.Second)))
}

func TestWebhookCancelledWhenTransactionMissing(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	engine := newTestEngine(t, store, &stubSummaries{err: ErrTransactionNotFound}, nil)
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-4", "http://127.0.0.1:1/hook", EventTransactionComplete))

	wh, err := store.GetWebhook(ctx, "acme", "tx-wh-4")
	require.NoError(t, err)
	require.NotNil(t, wh)
	assert.Equal(t, "cancelled", wh.Status)
}

func TestPumpOnceRetriesDueWebhooks(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	var succeed atomic.Bool
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if succeed.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	engine := newTestEngine(t, store, &stubSummaries{summary: completedSummary("tx-wh-5")}, nil)
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-5", server.URL, EventTransactionProgress))
	require.Equal(t, int32(1), attempts.Load())

	// Not due yet: the pump leaves it alone.
	engine.pumpOnce(ctx)
	require.Equal(t, int32(1), attempts.Load())

	// Force the retry due and let the pump pick it up.
	store.mu.Lock()
	store.webhooks["tx-wh-5"].NextAttempt = time.Now().Add(-time.Second)
	store.mu.Unlock()

	succeed.Store(true)
	engine.pumpOnce(ctx)
	require.Equal(t, int32(2), attempts.Load())

	wh, err := store.GetWebhook(ctx, "acme", "tx-wh-5")
	require.NoError(t, err)
	assert.Equal(t, "complete", wh.Status)
}

func TestProgressEventSupersedesScheduledDelivery(t *testing.T) {
	ctx := context.Background()
	store := newFakeGateway()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	engine := newTestEngine(t, store, &stubSummaries{summary: completedSummary("tx-wh-6")}, nil)
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-6", server.URL, EventTransactionProgress))
	require.NoError(t, engine.ScheduleDelivery(ctx, "acme", "tx-wh-6", server.URL, EventTransactionComplete))

	wh, err := store.GetWebhook(ctx, "acme", "tx-wh-6")
	require.NoError(t, err)
	require.NotNil(t, wh)
	assert.Equal(t, EventTransactionComplete, wh.EventType)
}
