package storage

import (
	"context"
	"fmt"
)

// InsertDelta appends one row to the delta journal. The journal is
// append-only; sequence numbers are assigned in memory and never reused.
func (s *Store) InsertDelta(ctx context.Context, d *DeltaRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner, transaction_id, sequence, step_id, data, event_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.tableName("transaction_deltas"))

	_, err := s.pool.Exec(ctx, query,
		d.Owner, d.TxID, d.Sequence, d.StepID, d.Data, d.EventTime,
	)
	return err
}

// ListDeltas returns the full delta journal of a transaction in ascending
// sequence order. Replaying it in this order reconstructs the in-memory state.
func (s *Store) ListDeltas(ctx context.Context, owner, txID string) ([]*DeltaRow, error) {
	query := fmt.Sprintf(`
		SELECT owner, transaction_id, sequence, step_id, data, event_time
		FROM %s
		WHERE owner = $1 AND transaction_id = $2
		ORDER BY sequence ASC
	`, s.tableName("transaction_deltas"))

	rows, err := s.pool.Query(ctx, query, owner, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeltaRow
	for rows.Next() {
		d := &DeltaRow{}
		if err := rows.Scan(&d.Owner, &d.TxID, &d.Sequence, &d.StepID, &d.Data, &d.EventTime); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
