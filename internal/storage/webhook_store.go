package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertWebhook schedules a webhook delivery. A conflict occurs when a
// progress event supersedes an earlier scheduled delivery for the same
// transaction; the row is then updated in place.
func (s *Store) UpsertWebhook(ctx context.Context, wh *WebhookRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			owner, transaction_id, url, event_type,
			initial_attempt, next_attempt, retry_count, status, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner, transaction_id) DO UPDATE
		SET url = EXCLUDED.url,
			event_type = EXCLUDED.event_type,
			next_attempt = EXCLUDED.next_attempt,
			retry_count = EXCLUDED.retry_count,
			status = EXCLUDED.status,
			message = EXCLUDED.message
	`, s.tableName("webhooks"))

	_, err := s.pool.Exec(ctx, query,
		wh.Owner, wh.TxID, wh.URL, wh.EventType,
		wh.InitialAttempt, wh.NextAttempt, wh.RetryCount, wh.Status, wh.Message,
	)
	return err
}

// GetWebhook retrieves webhook state for a transaction.
// Returns (nil, nil) when none is scheduled.
func (s *Store) GetWebhook(ctx context.Context, owner, txID string) (*WebhookRow, error) {
	query := fmt.Sprintf(`
		SELECT owner, transaction_id, url, event_type,
		       initial_attempt, next_attempt, retry_count, status, COALESCE(message, '')
		FROM %s
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("webhooks"))

	wh := &WebhookRow{}
	err := s.pool.QueryRow(ctx, query, owner, txID).Scan(
		&wh.Owner, &wh.TxID, &wh.URL, &wh.EventType,
		&wh.InitialAttempt, &wh.NextAttempt, &wh.RetryCount, &wh.Status, &wh.Message,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wh, nil
}

// UpdateWebhookResult records the outcome of a delivery attempt.
func (s *Store) UpdateWebhookResult(ctx context.Context, owner, txID, status, message string, nextAttempt time.Time, retryCount int) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $3, message = $4, next_attempt = $5, retry_count = $6
		WHERE owner = $1 AND transaction_id = $2
	`, s.tableName("webhooks"))

	_, err := s.pool.Exec(ctx, query, owner, txID, status, message, nextAttempt, retryCount)
	return err
}

// ListDueWebhooks returns pending webhooks whose next attempt time passed.
func (s *Store) ListDueWebhooks(ctx context.Context, now time.Time, limit int) ([]*WebhookRow, error) {
	query := fmt.Sprintf(`
		SELECT owner, transaction_id, url, event_type,
		       initial_attempt, next_attempt, retry_count, status, COALESCE(message, '')
		FROM %s
		WHERE status = 'pending' AND next_attempt <= $1
		ORDER BY next_attempt ASC
		LIMIT $2
	`, s.tableName("webhooks"))

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookRow
	for rows.Next() {
		wh := &WebhookRow{}
		err := rows.Scan(
			&wh.Owner, &wh.TxID, &wh.URL, &wh.EventType,
			&wh.InitialAttempt, &wh.NextAttempt, &wh.RetryCount, &wh.Status, &wh.Message,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}
