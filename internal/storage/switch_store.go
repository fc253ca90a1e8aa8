package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetSwitches reads the switches document and its own sequence number.
// The switch sequence is independent of the transaction's core
// sequence_of_update.
func (s *Store) GetSwitches(ctx context.Context, owner, txID string) (json.RawMessage, int, bool, error) {
	query := fmt.Sprintf(`
		SELECT switches, switch_sequence FROM %s
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("transactions"))

	var data json.RawMessage
	var seq int
	err := s.pool.QueryRow(ctx, query, owner, txID).Scan(&data, &seq)
	if err == pgx.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return data, seq, true, nil
}

// UpdateSwitches writes the switches document with a compare-and-swap on
// switch_sequence. Returns the affected row count; zero means another
// writer got in first and the caller must re-read.
func (s *Store) UpdateSwitches(ctx context.Context, owner, txID string, data json.RawMessage, oldSequence int) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET switches = $3, switch_sequence = switch_sequence + 1, updated_at = now()
		WHERE owner = $1 AND transaction_id = $2 AND switch_sequence = $4
	`, s.tableName("transactions"))

	tag, err := s.pool.Exec(ctx, query, owner, txID, data, oldSequence)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
