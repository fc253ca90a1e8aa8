package datp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tooltwist/datp-sub001/internal/storage"
)

// WakeStore is the storage surface of the wake sweep.
// Implemented by *storage.Store.
type WakeStore interface {
	ListWakeCandidates(ctx context.Context, nodeGroup string, before time.Time, limit int) ([]*storage.TransactionRow, error)
	ClaimWake(ctx context.Context, owner, txID, status string, wakeTime time.Time) (int64, error)
	GetTransaction(ctx context.Context, owner, txID string) (*storage.TransactionRow, error)
	UpsertNode(ctx context.Context, nodeGroup, nodeID string, lastSeen time.Time) error
}

// WakeSchedulerConfig configures a WakeScheduler.
type WakeSchedulerConfig struct {
	Store      WakeStore
	Dispatcher Dispatcher

	// NodeGroup scopes the sweep: only sleeping transactions assigned to
	// this group are considered. NodeID identifies this process in the
	// liveness table.
	NodeGroup string
	NodeID    string

	Interval   time.Duration // default 5s
	WakeBuffer time.Duration // default 10s
	BatchLimit int           // default 100
	Logger     *slog.Logger
	Metrics    *Metrics
}

// WakeScheduler periodically finds sleeping transactions whose wake time
// has passed and hands them back to the execution engine. Any number of
// nodes run the same sweep against the shared store; the compare-and-swap
// on (status, wake_time) guarantees at most one node performs each wake.
//
// The sweep is one sub-task of a maintenance tick that also refreshes
// this node's liveness row. Both run concurrently, and the tick is not
// rescheduled until both complete, so ticks never overlap.
type WakeScheduler struct {
	store      WakeStore
	dispatcher Dispatcher
	nodeGroup  string
	nodeID     string
	interval   time.Duration
	wakeBuffer time.Duration
	batchLimit int
	logger     *slog.Logger
	metrics    *Metrics

	cron         *cron.Cron
	shuttingDown atomic.Bool

	// poisoned holds transactions that failed the sweep with a data
	// integrity alert; they are not retried automatically.
	poisonedMu sync.Mutex
	poisoned   map[string]struct{}
}

// NewWakeScheduler creates the scheduler. Store, Dispatcher, NodeGroup
// and NodeID are required.
func NewWakeScheduler(cfg WakeSchedulerConfig) (*WakeScheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("datp: WakeSchedulerConfig.Store must not be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("datp: WakeSchedulerConfig.Dispatcher must not be nil")
	}
	if cfg.NodeGroup == "" || cfg.NodeID == "" {
		return nil, fmt.Errorf("datp: WakeSchedulerConfig.NodeGroup and NodeID must not be empty")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultWakeInterval
	}
	if cfg.WakeBuffer <= 0 {
		cfg.WakeBuffer = defaultWakeBuffer
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WakeScheduler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		nodeGroup:  cfg.NodeGroup,
		nodeID:     cfg.NodeID,
		interval:   cfg.Interval,
		wakeBuffer: cfg.WakeBuffer,
		batchLimit: cfg.BatchLimit,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		poisoned:   map[string]struct{}{},
	}, nil
}

// Start begins the maintenance loop.
func (s *WakeScheduler) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.tick); err != nil {
		return fmt.Errorf("schedule maintenance loop: %w", err)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the loop, waiting for a running tick to finish.
func (s *WakeScheduler) Stop() {
	s.shuttingDown.Store(true)
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// tick runs the wake sweep and the liveness keep-alive concurrently and
// returns when both are done.
func (s *WakeScheduler) tick() {
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.SweepOnce(ctx)
	}()
	go func() {
		defer wg.Done()
		s.keepAlive(ctx)
	}()
	wg.Wait()
}

// SweepOnce performs one wake sweep. Exposed so operators (and tests)
// can trigger a sweep outside the loop.
func (s *WakeScheduler) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.wakeBuffer)
	candidates, err := s.store.ListWakeCandidates(ctx, s.nodeGroup, cutoff, s.batchLimit)
	if err != nil {
		s.logger.Error("wake sweep: list candidates", "nodeGroup", s.nodeGroup, "error", err)
		return
	}

	for _, row := range candidates {
		if s.shuttingDown.Load() {
			return
		}
		if s.isPoisoned(row.TxID) || !row.WakeTime.Valid {
			continue
		}
		s.wakeOne(ctx, row)
	}

	if s.metrics != nil {
		s.metrics.WakeSweeps.Inc()
	}
}

// wakeOne attempts to exclusively claim one candidate. The claim clears
// wake_time with all three predicates (id, status, wake_time) matching
// the values just read; zero affected rows means another node won.
func (s *WakeScheduler) wakeOne(ctx context.Context, row *storage.TransactionRow) {
	rows, err := s.store.ClaimWake(ctx, row.Owner, row.TxID, row.Status, row.WakeTime.Time)
	if err != nil {
		s.logger.Error("wake sweep: claim", "txId", row.TxID, "error", err)
		return
	}
	if rows == 0 {
		current, gerr := s.store.GetTransaction(ctx, row.Owner, row.TxID)
		if gerr == nil && current == nil {
			// A transaction was put to sleep and its durable state is gone.
			// This needs operator attention; retrying cannot fix it.
			s.logger.Error("DATA INTEGRITY: sleeping transaction has no durable state",
				"txId", row.TxID, "owner", row.Owner, "nodeGroup", s.nodeGroup)
			s.poison(row.TxID)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.WakeClaims.Inc()
	}
	err = s.dispatcher.EnqueueStepRestart(ctx, s.nodeGroup, row.TxID, row.WakeStepID.String)
	if err != nil {
		s.logger.Error("wake sweep: enqueue step restart", "txId", row.TxID, "error", err)
	}
}

func (s *WakeScheduler) keepAlive(ctx context.Context) {
	if err := s.store.UpsertNode(ctx, s.nodeGroup, s.nodeID, time.Now()); err != nil {
		s.logger.Error("keep-alive: upsert node", "nodeId", s.nodeID, "error", err)
	}
}

func (s *WakeScheduler) isPoisoned(txID string) bool {
	s.poisonedMu.Lock()
	defer s.poisonedMu.Unlock()
	_, ok := s.poisoned[txID]
	return ok
}

func (s *WakeScheduler) poison(txID string) {
	s.poisonedMu.Lock()
	s.poisoned[txID] = struct{}{}
	s.poisonedMu.Unlock()
}
