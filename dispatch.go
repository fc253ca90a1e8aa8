package datp

import (
	"context"
	"log/slog"
)

// ChangeEvent identifies a transaction whose core fields just changed.
type ChangeEvent struct {
	Owner string `json:"owner"`
	TxID  string `json:"txId"`
}

// Dispatcher hands work back to the external execution engine. Both
// calls are fire-and-forget from this package's perspective: failures
// are logged by the caller, never surfaced to the transaction path.
type Dispatcher interface {
	// EnqueueStepRestart asks the engine to resume a suspended step.
	EnqueueStepRestart(ctx context.Context, nodeGroup, txID, stepID string) error

	// EnqueueTransactionChangeEvent publishes a transaction-change event
	// onto the named queue.
	EnqueueTransactionChangeEvent(ctx context.Context, queue string, ev ChangeEvent) error
}

// NopDispatcher discards all dispatches. Useful in tests and in
// deployments without an execution engine attached.
type NopDispatcher struct{}

func (NopDispatcher) EnqueueStepRestart(ctx context.Context, nodeGroup, txID, stepID string) error {
	return nil
}

func (NopDispatcher) EnqueueTransactionChangeEvent(ctx context.Context, queue string, ev ChangeEvent) error {
	return nil
}

// LoggingDispatcher logs every dispatch. Useful while wiring up a new
// execution engine.
type LoggingDispatcher struct {
	Logger *slog.Logger
}

func (d LoggingDispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d LoggingDispatcher) EnqueueStepRestart(ctx context.Context, nodeGroup, txID, stepID string) error {
	d.logger().Info("enqueue step restart", "nodeGroup", nodeGroup, "txId", txID, "stepId", stepID)
	return nil
}

func (d LoggingDispatcher) EnqueueTransactionChangeEvent(ctx context.Context, queue string, ev ChangeEvent) error {
	d.logger().Info("enqueue transaction change event", "queue", queue, "owner", ev.Owner, "txId", ev.TxID)
	return nil
}
