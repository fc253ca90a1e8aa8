package datp

import "unicode"

// DefaultSchema is the schema used by this package when none is configured.
//
// With unprefixed table names (transactions, transaction_deltas, webhooks,
// nodes), using a dedicated schema avoids collisions with application tables.
const DefaultSchema = "datp"

// DBConfig configures where the transaction tables live.
type DBConfig struct {
	// Schema is the Postgres schema containing the datp tables.
	// If empty, DefaultSchema is used.
	Schema string
}

func (c DBConfig) schema() string {
	if c.Schema == "" {
		return DefaultSchema
	}
	// Keep identifiers conservative to avoid SQL injection. If invalid, fall back.
	for i, r := range c.Schema {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_') {
			return DefaultSchema
		}
		if i == 0 && unicode.IsDigit(r) {
			return DefaultSchema
		}
	}
	return c.Schema
}
