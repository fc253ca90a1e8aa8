package datp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SummarySource serves read-only transaction projections.
// Implemented by *TransactionCache.
type SummarySource interface {
	GetSummary(ctx context.Context, owner, txID string) (*Summary, error)
}

// CompletionStamper records a transaction's completion time via a delta
// if not already set. Implemented by *TransactionCache.
type CompletionStamper interface {
	StampCompletion(ctx context.Context, txID string) error
}

// Reply is a pending reply handle: a single-fire completion that an HTTP
// handler parks on while its response is held open. Completing it twice
// is safe; only the first completion wins. That is exactly why the
// timeout path and the early-reply path can race without double
// delivery.
type Reply struct {
	once sync.Once
	ch   chan *Summary
}

// NewReply creates an unresolved reply handle.
func NewReply() *Reply {
	return &Reply{ch: make(chan *Summary, 1)}
}

// complete resolves the reply. Subsequent calls are no-ops.
func (r *Reply) complete(s *Summary) {
	r.once.Do(func() {
		r.ch <- s
		close(r.ch)
	})
}

// Done yields the summary once the reply resolves. A nil summary means
// the resolver hit an internal error; the caller should answer 500.
func (r *Reply) Done() <-chan *Summary {
	return r.ch
}

type longPollEntry struct {
	owner string
	reply *Reply
	timer *time.Timer
}

// LongPollRegistry tracks HTTP replies held open pending transaction
// completion. Each entry is a little state machine: WAITING, then either
// REPLIED (early reply) or TIMED_OUT, whichever fires first. The entry
// is removed atomically with the transition, so the losing path finds
// nothing and becomes a no-op.
type LongPollRegistry struct {
	mu      sync.Mutex
	entries map[string]*longPollEntry

	summaries SummarySource
	stamper   CompletionStamper
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

// LongPollConfig configures a LongPollRegistry. Summaries and Stamper
// are both satisfied by a *TransactionCache.
type LongPollConfig struct {
	Summaries SummarySource
	Stamper   CompletionStamper
	Timeout   time.Duration // default 15s
	Logger    *slog.Logger
	Metrics   *Metrics
}

// NewLongPollRegistry creates the registry.
func NewLongPollRegistry(cfg LongPollConfig) *LongPollRegistry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultLongPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LongPollRegistry{
		entries:   map[string]*longPollEntry{},
		summaries: cfg.Summaries,
		stamper:   cfg.Stamper,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// HoldForDelayedReply registers a reply to be held open for the
// transaction, with a timeout fallback. duration <= 0 uses the
// registry's default. An existing hold for the same transaction is
// resolved first via timeout semantics.
func (lp *LongPollRegistry) HoldForDelayedReply(owner, txID string, reply *Reply, duration time.Duration) {
	if duration <= 0 {
		duration = lp.timeout
	}

	entry := &longPollEntry{owner: owner, reply: reply}
	entry.timer = time.AfterFunc(duration, func() {
		lp.timeoutExpired(txID, entry)
	})

	lp.mu.Lock()
	prev := lp.entries[txID]
	lp.entries[txID] = entry
	lp.mu.Unlock()

	if lp.metrics != nil {
		lp.metrics.LongPollOutstanding.Inc()
	}

	if prev != nil {
		// Only one reply may be outstanding per transaction. Resolve the
		// superseded one now rather than leaving its caller hanging.
		prev.timer.Stop()
		lp.resolve(prev, txID, "timeout")
	}
}

// timeoutExpired fires when no early reply arrived in time. The entry is
// removed before resolving, so a concurrent TryToReply finds nothing.
func (lp *LongPollRegistry) timeoutExpired(txID string, fired *longPollEntry) {
	lp.mu.Lock()
	entry, ok := lp.entries[txID]
	if !ok || entry != fired {
		lp.mu.Unlock()
		return
	}
	delete(lp.entries, txID)
	lp.mu.Unlock()

	lp.resolve(entry, txID, "timeout")
}

// TryToReply completes the held reply for txID with the transaction's
// current summary, cancelling the timeout. It reports whether a reply
// was actually delivered through this path; false means no long-poll was
// outstanding and the caller must fall back to another channel (webhook).
func (lp *LongPollRegistry) TryToReply(ctx context.Context, txID string) (bool, error) {
	lp.mu.Lock()
	entry, ok := lp.entries[txID]
	if ok {
		delete(lp.entries, txID)
	}
	lp.mu.Unlock()

	if !ok {
		return false, nil
	}
	entry.timer.Stop()

	if err := lp.stamper.StampCompletion(ctx, txID); err != nil {
		// The reply still goes out; the completion time just stays unset.
		lp.logger.Error("long-poll: stamp completion time", "txId", txID, "error", err)
	}

	lp.resolve(entry, txID, "reply")
	return true, nil
}

// resolve fetches the current summary and completes the reply. Called
// from exactly one of the two transition paths.
func (lp *LongPollRegistry) resolve(entry *longPollEntry, txID, outcome string) {
	if lp.metrics != nil {
		lp.metrics.LongPollOutstanding.Dec()
		lp.metrics.LongPollReplies.WithLabelValues(outcome).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := lp.summaries.GetSummary(ctx, entry.owner, txID)
	if err != nil {
		lp.logger.Error("long-poll: fetch summary", "txId", txID, "outcome", outcome, "error", err)
		entry.reply.complete(nil)
		return
	}
	entry.reply.complete(summary)
}

// OutstandingCount is a diagnostic counter of live entries.
func (lp *LongPollRegistry) OutstandingCount() int {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return len(lp.entries)
}
