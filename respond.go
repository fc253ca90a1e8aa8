package datp

import (
	"context"
	"log/slog"
)

// Responder is the combined reply routine invoked when a transaction
// reaches a terminal status. The final result must reach the caller
// exactly once: the long-poll channel is tried first, and only if no
// reply was outstanding does the webhook carry the event.
type Responder struct {
	LongPoll *LongPollRegistry
	Webhooks *WebhookDeliveryEngine
	Logger   *slog.Logger
}

func (r *Responder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// CompleteTransaction delivers the terminal result. If the initiating
// request's long-poll was outstanding, delivering through it consumes
// the event and the equivalent webhook is skipped entirely. Otherwise
// the webhook (if a URL was registered) is the sole delivery path.
func (r *Responder) CompleteTransaction(ctx context.Context, owner, txID, webhookURL string) error {
	delivered, err := r.LongPoll.TryToReply(ctx, txID)
	if err != nil {
		r.logger().Error("complete transaction: long-poll reply", "txId", txID, "error", err)
	}
	if delivered {
		return nil
	}
	if webhookURL == "" {
		return nil
	}
	return r.Webhooks.ScheduleDelivery(ctx, owner, txID, webhookURL, EventTransactionComplete)
}

// ReportProgress schedules a progress webhook. It never touches the
// long-poll channel: a held reply resolves only on completion or
// timeout. A progress event supersedes any earlier scheduled delivery
// for the same transaction.
func (r *Responder) ReportProgress(ctx context.Context, owner, txID, webhookURL string) error {
	if webhookURL == "" {
		return nil
	}
	return r.Webhooks.ScheduleDelivery(ctx, owner, txID, webhookURL, EventTransactionProgress)
}
