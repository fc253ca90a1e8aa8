package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const transactionColumns = `
	owner, transaction_id, external_id, transaction_type, status,
	sequence_of_update, progress_report, transaction_output, completion_time,
	switches, switch_sequence, wake_time, wake_node_group, wake_step_id,
	sleep_counter, updated_at`

func scanTransaction(row pgx.Row) (*TransactionRow, error) {
	tx := &TransactionRow{}
	err := row.Scan(
		&tx.Owner, &tx.TxID, &tx.ExternalID, &tx.TransactionType, &tx.Status,
		&tx.SequenceOfUpdate, &tx.ProgressReport, &tx.TransactionOutput, &tx.CompletionTime,
		&tx.Switches, &tx.SwitchSequence, &tx.WakeTime, &tx.WakeNodeGroup, &tx.WakeStepID,
		&tx.SleepCounter, &tx.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// InsertTransaction creates the root row for a new transaction.
func (s *Store) InsertTransaction(ctx context.Context, tx *TransactionRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			owner, transaction_id, external_id, transaction_type, status,
			sequence_of_update, progress_report, transaction_output,
			completion_time, switches, switch_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.tableName("transactions"))

	_, err := s.pool.Exec(ctx, query,
		tx.Owner, tx.TxID, tx.ExternalID, tx.TransactionType, tx.Status,
		tx.SequenceOfUpdate, tx.ProgressReport, tx.TransactionOutput,
		tx.CompletionTime, tx.Switches, tx.SwitchSequence,
	)
	return err
}

// GetTransaction retrieves a transaction by (owner, id).
// Returns (nil, nil) when the row does not exist.
func (s *Store) GetTransaction(ctx context.Context, owner, txID string) (*TransactionRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE owner = $1 AND transaction_id = $2
	`, transactionColumns, s.tableName("transactions"))

	return scanTransaction(s.pool.QueryRow(ctx, query, owner, txID))
}

// GetTransactionByID retrieves a transaction by id only. Transaction ids
// are globally unique, so this is safe, but prefer GetTransaction when
// the owner is known.
func (s *Store) GetTransactionByID(ctx context.Context, txID string) (*TransactionRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE transaction_id = $1
	`, transactionColumns, s.tableName("transactions"))

	return scanTransaction(s.pool.QueryRow(ctx, query, txID))
}

// ResolveExternalID maps a caller-supplied external id to a transaction id.
// Returns "" when no transaction carries that external id.
func (s *Store) ResolveExternalID(ctx context.Context, owner, externalID string) (string, error) {
	query := fmt.Sprintf(`
		SELECT transaction_id FROM %s
		WHERE owner = $1 AND external_id = $2
	`, s.tableName("transactions"))

	var txID string
	err := s.pool.QueryRow(ctx, query, owner, externalID).Scan(&txID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return txID, nil
}

// UpdateTransactionCore writes the four core fields plus the new
// sequence_of_update, keyed by (owner, transaction_id). Returns the
// affected row count; zero means the row has vanished (lost update).
func (s *Store) UpdateTransactionCore(
	ctx context.Context,
	owner, txID string,
	status string,
	progressReport, transactionOutput json.RawMessage,
	completionTime *time.Time,
	sequenceOfUpdate int,
) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, progress_report = $4, transaction_output = $5,
		    completion_time = $6, sequence_of_update = $7, updated_at = now()
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("transactions"))

	tag, err := s.pool.Exec(ctx, query,
		owner, txID, status, progressReport, transactionOutput,
		TimeOrNull(completionTime), sequenceOfUpdate,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetSleep records that a step put the transaction to sleep: the wake
// time, the node group responsible for waking it, and the step to restart.
func (s *Store) SetSleep(ctx context.Context, owner, txID string, wakeTime time.Time, nodeGroup, stepID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET wake_time = $3, wake_node_group = $4, wake_step_id = $5,
		    sleep_counter = sleep_counter + 1, updated_at = now()
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("transactions"))

	_, err := s.pool.Exec(ctx, query, owner, txID, wakeTime, nodeGroup, stepID)
	return err
}

// ClearSleep cancels a scheduled wake, typically because the step was
// restarted through another path (a switch nudge) before the sweep ran.
func (s *Store) ClearSleep(ctx context.Context, owner, txID string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET wake_time = NULL, wake_node_group = NULL, wake_step_id = NULL,
		    updated_at = now()
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("transactions"))

	_, err := s.pool.Exec(ctx, query, owner, txID)
	return err
}

// ListWakeCandidates returns sleeping transactions in the given node group
// whose wake time passed before the cutoff.
func (s *Store) ListWakeCandidates(ctx context.Context, nodeGroup string, before time.Time, limit int) ([]*TransactionRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE wake_node_group = $1
		  AND status = 'sleeping'
		  AND wake_time IS NOT NULL
		  AND wake_time < $2
		ORDER BY wake_time ASC
		LIMIT $3
	`, transactionColumns, s.tableName("transactions"))

	rows, err := s.pool.Query(ctx, query, nodeGroup, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TransactionRow
	for rows.Next() {
		tx := &TransactionRow{}
		err := rows.Scan(
			&tx.Owner, &tx.TxID, &tx.ExternalID, &tx.TransactionType, &tx.Status,
			&tx.SequenceOfUpdate, &tx.ProgressReport, &tx.TransactionOutput, &tx.CompletionTime,
			&tx.Switches, &tx.SwitchSequence, &tx.WakeTime, &tx.WakeNodeGroup, &tx.WakeStepID,
			&tx.SleepCounter, &tx.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ClaimWake clears the wake time with a compare-and-swap on the values
// just read. Exactly one node sees an affected row count of 1 and owns
// the wake; everyone else sees 0 and must skip.
func (s *Store) ClaimWake(ctx context.Context, owner, txID, status string, wakeTime time.Time) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET wake_time = NULL, updated_at = now()
		WHERE owner = $1 AND transaction_id = $2 AND status = $3 AND wake_time = $4
	`, s.tableName("transactions"))

	tag, err := s.pool.Exec(ctx, query, owner, txID, status, wakeTime)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertNode refreshes this node's liveness row.
func (s *Store) UpsertNode(ctx context.Context, nodeGroup, nodeID string, lastSeen time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (node_group, node_id, last_seen)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_group, node_id) DO UPDATE
		SET last_seen = EXCLUDED.last_seen
	`, s.tableName("nodes"))

	_, err := s.pool.Exec(ctx, query, nodeGroup, nodeID, lastSeen)
	return err
}
