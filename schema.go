package datp

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the default schema (DefaultSchema) required by this package.
//
// Notes:
// - transaction ids are opaque text, generated in Go at creation time.
// - progress_report, transaction_output, switches and delta data are jsonb
//   (default codec is JSON).
// - sequence_of_update and switch_sequence are independent optimistic
//   concurrency tokens; every conditional update compares one of them.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the schema required by this package for a given
// Postgres schema name.
//
// The schema name is validated conservatively and will fall back to
// DefaultSchema if invalid.
func SchemaSQLFor(schema string) string {
	cfg := DBConfig{Schema: schema}
	schema = cfg.schema()
	schemaIdent := pgx.Identifier{schema}.Sanitize()

	transactions := schema + ".transactions"
	deltas := schema + ".transaction_deltas"
	webhooks := schema + ".webhooks"
	nodes := schema + ".nodes"

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	owner              text NOT NULL,
	transaction_id     text NOT NULL,
	external_id        text,
	transaction_type   text NOT NULL,
	status             text NOT NULL,
	sequence_of_update int NOT NULL DEFAULT 0,
	progress_report    jsonb,
	transaction_output jsonb,
	completion_time    timestamptz,
	switches           jsonb NOT NULL DEFAULT '{}',
	switch_sequence    int NOT NULL DEFAULT 0,
	wake_time          timestamptz,
	wake_node_group    text,
	wake_step_id       text,
	sleep_counter      int NOT NULL DEFAULT 0,
	created_at         timestamptz NOT NULL DEFAULT now(),
	updated_at         timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, transaction_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_tx_id_idx
	ON %s (transaction_id);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_external_id_idx
	ON %s (owner, external_id) WHERE external_id IS NOT NULL;

CREATE INDEX IF NOT EXISTS transactions_wake_idx
	ON %s (wake_node_group, status, wake_time);

CREATE TABLE IF NOT EXISTS %s (
	owner          text NOT NULL,
	transaction_id text NOT NULL,
	sequence       int NOT NULL,
	step_id        text,
	data           jsonb NOT NULL,
	event_time     timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (owner, transaction_id, sequence),
	FOREIGN KEY (owner, transaction_id)
		REFERENCES %s(owner, transaction_id)
		ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS %s (
	owner           text NOT NULL,
	transaction_id  text NOT NULL,
	url             text NOT NULL,
	event_type      text NOT NULL,
	initial_attempt timestamptz NOT NULL,
	next_attempt    timestamptz NOT NULL,
	retry_count     int NOT NULL DEFAULT 0,
	status          text NOT NULL,
	message         text,
	PRIMARY KEY (owner, transaction_id)
);

CREATE INDEX IF NOT EXISTS webhooks_due_idx
	ON %s (status, next_attempt);

CREATE TABLE IF NOT EXISTS %s (
	node_group text NOT NULL,
	node_id    text NOT NULL,
	last_seen  timestamptz NOT NULL,
	PRIMARY KEY (node_group, node_id)
);
`,
		schemaIdent,
		transactions,
		transactions,
		transactions,
		transactions,
		deltas,
		transactions,
		webhooks,
		webhooks,
		nodes,
	)
}
