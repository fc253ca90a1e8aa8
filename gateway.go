package datp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tooltwist/datp-sub001/internal/storage"
)

// Gateway is the durable store this package runs against. It is the
// single source of truth across the cluster; the in-process cache is a
// performance optimization only. Implemented by *storage.Store.
//
// Every conditional update returns the affected row count so callers can
// surface a failed compare-and-swap instead of retrying it silently.
type Gateway interface {
	InsertTransaction(ctx context.Context, tx *storage.TransactionRow) error
	GetTransaction(ctx context.Context, owner, txID string) (*storage.TransactionRow, error)
	GetTransactionByID(ctx context.Context, txID string) (*storage.TransactionRow, error)
	ResolveExternalID(ctx context.Context, owner, externalID string) (string, error)
	UpdateTransactionCore(ctx context.Context, owner, txID string, status string,
		progressReport, transactionOutput json.RawMessage, completionTime *time.Time,
		sequenceOfUpdate int) (int64, error)

	InsertDelta(ctx context.Context, d *storage.DeltaRow) error
	ListDeltas(ctx context.Context, owner, txID string) ([]*storage.DeltaRow, error)

	GetSwitches(ctx context.Context, owner, txID string) (json.RawMessage, int, bool, error)
	UpdateSwitches(ctx context.Context, owner, txID string, data json.RawMessage, oldSequence int) (int64, error)

	SetSleep(ctx context.Context, owner, txID string, wakeTime time.Time, nodeGroup, stepID string) error
	ClearSleep(ctx context.Context, owner, txID string) error
	ListWakeCandidates(ctx context.Context, nodeGroup string, before time.Time, limit int) ([]*storage.TransactionRow, error)
	ClaimWake(ctx context.Context, owner, txID, status string, wakeTime time.Time) (int64, error)
	UpsertNode(ctx context.Context, nodeGroup, nodeID string, lastSeen time.Time) error

	UpsertWebhook(ctx context.Context, wh *storage.WebhookRow) error
	GetWebhook(ctx context.Context, owner, txID string) (*storage.WebhookRow, error)
	UpdateWebhookResult(ctx context.Context, owner, txID, status, message string, nextAttempt time.Time, retryCount int) error
	ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]*storage.WebhookRow, error)
}

var _ Gateway = (*storage.Store)(nil)
