package datp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tooltwist/datp-sub001/internal/storage"
)

// externalIDCacheSize bounds the externalId -> txId lookup cache. The
// mapping is immutable once created, so entries never go stale; eviction
// only costs a re-read.
const externalIDCacheSize = 4096

// CacheConfig configures a TransactionCache.
type CacheConfig struct {
	Store      Gateway
	Dispatcher Dispatcher // optional; NopDispatcher if nil
	Codec      Codec      // optional; JSONCodec if nil
	Logger     *slog.Logger
	Metrics    *Metrics
}

// TransactionCache is the process-local registry of live transaction
// records, keyed by transaction id. It mediates all access to
// transaction state: at most one in-memory record exists per
// (process, txId) at any time. It is a performance optimization only and
// never authoritative across processes.
//
// Construct one cache per process and pass it to collaborators that need
// it; there is deliberately no package-level instance.
type TransactionCache struct {
	mu      sync.Mutex
	records map[string]*TransactionRecord

	store      Gateway
	dispatcher Dispatcher
	codec      Codec
	logger     *slog.Logger
	metrics    *Metrics

	externalIDs *lru.Cache[string, string]
}

// NewTransactionCache creates the cache. The store is required.
func NewTransactionCache(cfg CacheConfig) (*TransactionCache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("datp: CacheConfig.Store must not be nil")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = NopDispatcher{}
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	externalIDs, err := lru.New[string, string](externalIDCacheSize)
	if err != nil {
		return nil, err
	}

	return &TransactionCache{
		records:     map[string]*TransactionRecord{},
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		codec:       cfg.Codec,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		externalIDs: externalIDs,
	}, nil
}

func (c *TransactionCache) newRecord(owner, txID, externalID, transactionType string) (*TransactionRecord, error) {
	rec, err := newTransactionRecord(c.store, owner, txID, externalID, transactionType)
	if err != nil {
		return nil, err
	}
	rec.dispatcher = c.dispatcher
	rec.codec = c.codec
	rec.logger = c.logger
	rec.metrics = c.metrics
	return rec, nil
}

// NewTransaction generates a fresh transaction id, persists the initial
// row (status running) and registers the record in the cache.
func (c *TransactionCache) NewTransaction(ctx context.Context, owner, externalID, transactionType string) (*TransactionRecord, error) {
	txID := "tx-" + uuid.New().String()

	rec, err := c.newRecord(owner, txID, externalID, transactionType)
	if err != nil {
		return nil, err
	}

	row := &storage.TransactionRow{
		Owner:             owner,
		TxID:              txID,
		ExternalID:        storage.TextOrNull(externalID),
		TransactionType:   transactionType,
		Status:            string(rec.status),
		ProgressReport:    []byte("null"),
		TransactionOutput: []byte("null"),
		Switches:          []byte("{}"),
	}
	if err := c.store.InsertTransaction(ctx, row); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	c.mu.Lock()
	c.records[txID] = rec
	c.mu.Unlock()

	if externalID != "" {
		c.externalIDs.Add(externalIDKey(owner, externalID), txID)
	}
	return rec, nil
}

// FindTransaction returns the cached record for txID. If absent and
// loadIfAbsent is set, the record is reconstructed from durable storage
// by replaying its full delta journal in ascending sequence order.
// Returns (nil, nil) when the transaction is unknown.
func (c *TransactionCache) FindTransaction(ctx context.Context, txID string, loadIfAbsent bool) (*TransactionRecord, error) {
	c.mu.Lock()
	rec, ok := c.records[txID]
	c.mu.Unlock()
	if ok {
		return rec, nil
	}
	if !loadIfAbsent {
		return nil, nil
	}

	row, err := c.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	if row == nil {
		return nil, nil
	}

	rec, err = c.replay(ctx, row)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another goroutine may have loaded it while we replayed; keep the
	// registered instance so the one-record-per-process invariant holds.
	if existing, ok := c.records[txID]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	c.records[txID] = rec
	c.mu.Unlock()
	return rec, nil
}

// FindTransactionByExternalID resolves the caller-supplied external id to
// a transaction id, then delegates to FindTransaction.
func (c *TransactionCache) FindTransactionByExternalID(ctx context.Context, owner, externalID string, loadIfAbsent bool) (*TransactionRecord, error) {
	key := externalIDKey(owner, externalID)
	txID, ok := c.externalIDs.Get(key)
	if !ok {
		var err error
		txID, err = c.store.ResolveExternalID(ctx, owner, externalID)
		if err != nil {
			return nil, fmt.Errorf("resolve external id: %w", err)
		}
		if txID == "" {
			return nil, nil
		}
		c.externalIDs.Add(key, txID)
	}
	return c.FindTransaction(ctx, txID, loadIfAbsent)
}

// replay rebuilds a record from its durable row and journal.
func (c *TransactionCache) replay(ctx context.Context, row *storage.TransactionRow) (*TransactionRecord, error) {
	rec, err := c.newRecord(row.Owner, row.TxID, row.ExternalID.String, row.TransactionType)
	if err != nil {
		return nil, err
	}

	deltas, err := c.store.ListDeltas(ctx, row.Owner, row.TxID)
	if err != nil {
		return nil, fmt.Errorf("load delta journal: %w", err)
	}
	for _, d := range deltas {
		var wire map[string]any
		if err := c.codec.Unmarshal(d.Data, &wire); err != nil {
			return nil, fmt.Errorf("decode delta %d: %w", d.Sequence, err)
		}
		if err := rec.ApplyDelta(ctx, d.StepID.String, PatchFromWire(wire), true); err != nil {
			return nil, fmt.Errorf("replay delta %d: %w", d.Sequence, err)
		}
	}
	return rec, nil
}

// Persist flushes the record's pending delta journal and, if evict is
// set, removes it from the cache so the next access reloads from storage.
func (c *TransactionCache) Persist(ctx context.Context, txID string, evict bool) error {
	c.mu.Lock()
	rec, ok := c.records[txID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not in cache", ErrTransactionNotFound, txID)
	}

	drained := rec.drainPending()
	c.logger.Debug("persisted transaction", "txId", txID, "deltas", drained, "evict", evict)

	if evict {
		c.RemoveFromCache(txID)
	}
	return nil
}

// RemoveFromCache drops the in-process entry without flushing. Used when
// another node is known to own the authoritative copy.
func (c *TransactionCache) RemoveFromCache(txID string) {
	c.mu.Lock()
	delete(c.records, txID)
	c.mu.Unlock()
}

// CachedCount reports how many records are currently registered.
func (c *TransactionCache) CachedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func externalIDKey(owner, externalID string) string {
	return owner + "\x00" + externalID
}
