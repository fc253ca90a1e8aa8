package storage

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for transactions, their delta
// journals, webhook scheduling state and node liveness.
type Store struct {
	pool   *pgxpool.Pool
	schema string
}

// NewStore creates a new storage instance.
func NewStore(pool *pgxpool.Pool, schema string) *Store {
	return &Store{pool: pool, schema: schema}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// tableName returns the schema-qualified table name.
// If no schema is configured, returns the base table name.
func (s *Store) tableName(base string) string {
	if s.schema == "" {
		return base
	}
	return s.schema + "." + base
}

// TransactionRow is the durable root row of one transaction.
type TransactionRow struct {
	Owner             string
	TxID              string
	ExternalID        pgtype.Text
	TransactionType   string
	Status            string
	SequenceOfUpdate  int
	ProgressReport    json.RawMessage
	TransactionOutput json.RawMessage
	CompletionTime    pgtype.Timestamptz
	Switches          json.RawMessage
	SwitchSequence    int
	WakeTime          pgtype.Timestamptz
	WakeNodeGroup     pgtype.Text
	WakeStepID        pgtype.Text
	SleepCounter      int
	UpdatedAt         time.Time
}

// DeltaRow is one entry of the append-only delta journal.
type DeltaRow struct {
	Owner     string
	TxID      string
	Sequence  int
	StepID    pgtype.Text
	Data      json.RawMessage
	EventTime time.Time
}

// WebhookRow holds the scheduling state of one webhook delivery.
type WebhookRow struct {
	Owner          string
	TxID           string
	URL            string
	EventType      string
	InitialAttempt time.Time
	NextAttempt    time.Time
	RetryCount     int
	Status         string
	Message        string
}

// TextOrNull converts an optional string to its column form.
func TextOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// TimeOrNull converts an optional timestamp to its column form.
func TimeOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

// NullableTime converts a column value back to an optional timestamp.
func NullableTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}
