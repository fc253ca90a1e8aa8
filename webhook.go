package datp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/tooltwist/datp-sub001/internal/storage"
)

// WebhookStore is the scheduling state the delivery engine needs.
// Implemented by *storage.Store.
type WebhookStore interface {
	UpsertWebhook(ctx context.Context, wh *storage.WebhookRow) error
	UpdateWebhookResult(ctx context.Context, owner, txID, status, message string, nextAttempt time.Time, retryCount int) error
	ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]*storage.WebhookRow, error)
}

// WebhookPayload is the wire body POSTed to the callback URL. Signature
// is a base64 RSA-PSS/SHA-256 signature over the body serialized without
// the signature field.
type WebhookPayload struct {
	EventType      string         `json:"eventType"`
	Metadata       Metadata       `json:"metadata"`
	ProgressReport any            `json:"progressReport,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	EventTime      time.Time      `json:"eventTime"`
	DeliveryTime   time.Time      `json:"deliveryTime"`
	Signature      string         `json:"signature,omitempty"`
}

// WebhookConfig configures a WebhookDeliveryEngine.
type WebhookConfig struct {
	Store     WebhookStore
	Summaries SummarySource

	// PrivateKey signs webhook bodies. Nil sends unsigned payloads, which
	// receivers should only accept in development.
	PrivateKey *rsa.PrivateKey

	Client       *http.Client  // default: 30s timeout
	PumpInterval time.Duration // default 10s
	Logger       *slog.Logger
	Metrics      *Metrics
}

// WebhookDeliveryEngine durably schedules and retries HTTP callbacks
// describing transaction status. Failures back off exponentially
// (10s * 1.4^n, capped at 600s) and retry until success or cancellation;
// there is no maximum retry count. A webhook is cancelled only when its
// transaction turns out not to exist, never for repeated failure.
type WebhookDeliveryEngine struct {
	store     WebhookStore
	summaries SummarySource
	key       *rsa.PrivateKey
	client    *http.Client
	interval  time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWebhookDeliveryEngine creates the engine.
func NewWebhookDeliveryEngine(cfg WebhookConfig) (*WebhookDeliveryEngine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("datp: WebhookConfig.Store must not be nil")
	}
	if cfg.Summaries == nil {
		return nil, fmt.Errorf("datp: WebhookConfig.Summaries must not be nil")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.PumpInterval <= 0 {
		cfg.PumpInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookDeliveryEngine{
		store:     cfg.Store,
		summaries: cfg.Summaries,
		key:       cfg.PrivateKey,
		client:    cfg.Client,
		interval:  cfg.PumpInterval,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// ScheduleDelivery upserts the webhook record and immediately attempts
// delivery once. An existing record for the same transaction is updated
// in place; this happens when a progress event supersedes an earlier
// scheduled delivery.
func (e *WebhookDeliveryEngine) ScheduleDelivery(ctx context.Context, owner, txID, url, eventType string) error {
	now := time.Now()
	wh := &storage.WebhookRow{
		Owner:          owner,
		TxID:           txID,
		URL:            url,
		EventType:      eventType,
		InitialAttempt: now,
		NextAttempt:    now,
		Status:         webhookStatusPending,
	}
	if err := e.store.UpsertWebhook(ctx, wh); err != nil {
		return fmt.Errorf("schedule webhook: %w", err)
	}

	e.attemptDelivery(ctx, wh)
	return nil
}

// attemptDelivery performs one delivery attempt and records its outcome.
// Delivery errors are contained here; nothing propagates to the
// transaction's execution path.
func (e *WebhookDeliveryEngine) attemptDelivery(ctx context.Context, wh *storage.WebhookRow) {
	summary, err := e.summaries.GetSummary(ctx, wh.Owner, wh.TxID)
	if errors.Is(err, ErrTransactionNotFound) {
		// The transaction will never produce a result; no point retrying.
		e.cancel(ctx, wh, "transaction no longer exists")
		return
	}
	if err != nil {
		e.scheduleRetry(ctx, wh, fmt.Errorf("fetch summary: %w", err))
		return
	}

	body, err := e.buildBody(summary, wh)
	if err != nil {
		e.scheduleRetry(ctx, wh, err)
		return
	}

	if err := e.post(ctx, wh.URL, body); err != nil {
		e.scheduleRetry(ctx, wh, err)
		return
	}

	if e.metrics != nil {
		e.metrics.WebhookAttempts.WithLabelValues("success").Inc()
	}
	err = e.store.UpdateWebhookResult(ctx, wh.Owner, wh.TxID,
		webhookStatusComplete, string(body), wh.NextAttempt, wh.RetryCount)
	if err != nil {
		e.logger.Error("webhook: record success", "txId", wh.TxID, "error", err)
	}
}

// buildBody serializes the payload deterministically, signs it and
// attaches the signature.
func (e *WebhookDeliveryEngine) buildBody(summary *Summary, wh *storage.WebhookRow) ([]byte, error) {
	payload := WebhookPayload{
		EventType:      wh.EventType,
		Metadata:       summary.Metadata,
		ProgressReport: summary.ProgressReport,
		Data:           summary.Data,
		EventTime:      wh.InitialAttempt,
		DeliveryTime:   time.Now(),
	}

	unsigned, err := JSONCodec{}.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}
	if e.key == nil {
		return unsigned, nil
	}

	sig, err := SignWebhookBody(e.key, unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign webhook payload: %w", err)
	}
	payload.Signature = sig

	signed, err := JSONCodec{}.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal signed webhook payload: %w", err)
	}
	return signed, nil
}

func (e *WebhookDeliveryEngine) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook target returned %s", resp.Status)
	}
	return nil
}

func (e *WebhookDeliveryEngine) cancel(ctx context.Context, wh *storage.WebhookRow, reason string) {
	if e.metrics != nil {
		e.metrics.WebhookAttempts.WithLabelValues("cancelled").Inc()
	}
	e.logger.Warn("webhook cancelled", "txId", wh.TxID, "reason", reason)
	err := e.store.UpdateWebhookResult(ctx, wh.Owner, wh.TxID,
		webhookStatusCancelled, reason, wh.NextAttempt, wh.RetryCount)
	if err != nil {
		e.logger.Error("webhook: record cancellation", "txId", wh.TxID, "error", err)
	}
}

func (e *WebhookDeliveryEngine) scheduleRetry(ctx context.Context, wh *storage.WebhookRow, cause error) {
	if e.metrics != nil {
		e.metrics.WebhookAttempts.WithLabelValues("failure").Inc()
	}
	interval := webhookBackoff(wh.RetryCount)
	e.logger.Info("webhook delivery failed, retrying",
		"txId", wh.TxID, "url", wh.URL, "retryCount", wh.RetryCount, "retryIn", interval, "error", cause)

	err := e.store.UpdateWebhookResult(ctx, wh.Owner, wh.TxID,
		webhookStatusPending, cause.Error(), time.Now().Add(interval), wh.RetryCount+1)
	if err != nil {
		e.logger.Error("webhook: record failure", "txId", wh.TxID, "error", err)
	}
}

// webhookBackoff returns min(maxWebhookRetry, minWebhookRetry * 1.4^retryCount),
// rounded to the nearest second.
func webhookBackoff(retryCount int) time.Duration {
	seconds := minWebhookRetry.Seconds() * math.Pow(webhookRetryExponent, float64(retryCount))
	if max := maxWebhookRetry.Seconds(); seconds > max {
		seconds = max
	}
	return time.Duration(math.Round(seconds)) * time.Second
}

// Run pumps due webhooks until Stop is called or the context is
// cancelled. Each tick re-attempts every pending webhook whose next
// attempt time passed.
func (e *WebhookDeliveryEngine) Run(ctx context.Context) error {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C:
			e.pumpOnce(ctx)
		}
	}
}

// Stop gracefully stops the pump.
func (e *WebhookDeliveryEngine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *WebhookDeliveryEngine) pumpOnce(ctx context.Context) {
	due, err := e.store.ListDueWebhooks(ctx, time.Now(), 50)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("webhook: list due", "error", err)
		}
		return
	}
	for _, wh := range due {
		if ctx.Err() != nil {
			return
		}
		e.attemptDelivery(ctx, wh)
	}
}

// SignWebhookBody computes the base64 RSA-PSS/SHA-256 signature of a
// webhook body serialized without its signature field.
func SignWebhookBody(key *rsa.PrivateKey, body []byte) (string, error) {
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyWebhookBody checks a webhook signature. Receivers verify against
// the body re-serialized without the signature field.
func VerifyWebhookBody(pub *rsa.PublicKey, body []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(body)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil)
}
