package datp

import (
	"context"
	"fmt"
	"time"

	"github.com/tooltwist/datp-sub001/internal/storage"
)

// Metadata identifies a transaction and its durable bookkeeping state.
type Metadata struct {
	Owner            string     `json:"owner"`
	TxID             string     `json:"txId"`
	ExternalID       string     `json:"externalId,omitempty"`
	TransactionType  string     `json:"transactionType"`
	Status           Status     `json:"status"`
	SequenceOfUpdate int        `json:"sequenceOfUpdate"`
	CompletionTime   *time.Time `json:"completionTime,omitempty"`
}

// Summary is the caller-facing projection of a transaction. It is read
// from durable storage, never from the in-memory record, so any node can
// serve it. Data carries the transaction output and is present only once
// the status is terminal.
type Summary struct {
	Metadata       Metadata       `json:"metadata"`
	ProgressReport any            `json:"progressReport,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

func summaryFromRow(codec Codec, row *storage.TransactionRow) *Summary {
	s := &Summary{
		Metadata: Metadata{
			Owner:            row.Owner,
			TxID:             row.TxID,
			ExternalID:       row.ExternalID.String,
			TransactionType:  row.TransactionType,
			Status:           Status(row.Status),
			SequenceOfUpdate: row.SequenceOfUpdate,
			CompletionTime:   storage.NullableTime(row.CompletionTime),
		},
	}

	if len(row.ProgressReport) > 0 {
		var report any
		if err := codec.Unmarshal(row.ProgressReport, &report); err != nil {
			// Malformed stored JSON; hand back the raw text rather than nothing.
			report = string(row.ProgressReport)
		}
		s.ProgressReport = report
	}

	if s.Metadata.Status.IsTerminal() && len(row.TransactionOutput) > 0 {
		var data map[string]any
		if err := codec.Unmarshal(row.TransactionOutput, &data); err == nil {
			s.Data = data
		}
	}

	return s
}

// GetSummary returns the read-only projection of a transaction, straight
// from durable storage.
func (c *TransactionCache) GetSummary(ctx context.Context, owner, txID string) (*Summary, error) {
	row, err := c.store.GetTransaction(ctx, owner, txID)
	if err != nil {
		return nil, fmt.Errorf("get summary: %w", err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return summaryFromRow(c.codec, row), nil
}

// GetSummaryByExternalID resolves a caller-supplied external id and
// returns the transaction's summary.
func (c *TransactionCache) GetSummaryByExternalID(ctx context.Context, owner, externalID string) (*Summary, error) {
	key := externalIDKey(owner, externalID)
	txID, ok := c.externalIDs.Get(key)
	if !ok {
		var err error
		txID, err = c.store.ResolveExternalID(ctx, owner, externalID)
		if err != nil {
			return nil, fmt.Errorf("resolve external id: %w", err)
		}
		if txID == "" {
			return nil, fmt.Errorf("%w: external id %s", ErrTransactionNotFound, externalID)
		}
		c.externalIDs.Add(key, txID)
	}
	return c.GetSummary(ctx, owner, txID)
}

// StampCompletion records the completion time via a delta, if it has not
// been set yet. Called by the reply path just before delivering a result.
func (c *TransactionCache) StampCompletion(ctx context.Context, txID string) error {
	rec, err := c.FindTransaction(ctx, txID, true)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if rec.CompletionTime() != nil {
		return nil
	}
	now := time.Now()
	return rec.ApplyDelta(ctx, "", Patch{fieldCompletionTime: Set(now)}, false)
}
