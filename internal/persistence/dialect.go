package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string

	// DriverName is the database/sql driver the dialect expects.
	DriverName string

	// NumberedParams switches "?" placeholders to "$1", "$2", ...
	NumberedParams bool

	// SerialPrimaryKey is the column definition of an auto-increment key.
	SerialPrimaryKey string

	// LockRow is appended to single-row selects that precede an update in the
	// same transaction.
	LockRow string

	// SkipLocked is appended to the claim subselect so concurrent claimers
	// never block on each other's candidate rows.
	SkipLocked string

	IsUniqueViolation func(err error) bool
}

// rebind rewrites "?" placeholders for dialects with numbered parameters.
func (d Dialect) rebind(query string) string {
	if !d.NumberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d Dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS correlations (
			correlation_id TEXT NOT NULL,
			process_instance_id TEXT NOT NULL,
			process_model_id TEXT NOT NULL,
			process_model_hash TEXT NOT NULL,
			parent_process_instance_id TEXT NOT NULL DEFAULT '',
			identity TEXT,
			state TEXT NOT NULL,
			error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (correlation_id, process_instance_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_process_instance ON correlations (process_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_correlations_process_model ON correlations (process_model_id)`,
		`CREATE TABLE IF NOT EXISTS flow_node_instances (
			id TEXT PRIMARY KEY,
			flow_node_id TEXT NOT NULL,
			flow_node_type TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL,
			process_model_id TEXT NOT NULL,
			process_instance_id TEXT NOT NULL,
			parent_process_instance_id TEXT NOT NULL DEFAULT '',
			identity TEXT,
			previous_flow_node_instance_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_node_instances_process_instance ON flow_node_instances (process_instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_node_instances_correlation ON flow_node_instances (correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_node_instances_process_model ON flow_node_instances (process_model_id)`,
		`CREATE TABLE IF NOT EXISTS process_tokens (
			id ` + d.SerialPrimaryKey + `,
			flow_node_instance_id TEXT NOT NULL REFERENCES flow_node_instances (id),
			type TEXT NOT NULL,
			caller_id TEXT NOT NULL DEFAULT '',
			identity TEXT,
			payload TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_tokens_instance ON process_tokens (flow_node_instance_id)`,
		`CREATE TABLE IF NOT EXISTS external_tasks (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			lock_expiration_time BIGINT NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL,
			process_model_id TEXT NOT NULL,
			process_instance_id TEXT NOT NULL,
			flow_node_instance_id TEXT NOT NULL,
			identity TEXT,
			payload TEXT,
			state TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_external_tasks_claim ON external_tasks (topic, state, created_at)`,
		`CREATE TABLE IF NOT EXISTS process_definitions (
			id ` + d.SerialPrimaryKey + `,
			name TEXT NOT NULL,
			xml TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE (name, hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_process_definitions_hash ON process_definitions (hash)`,
	}
}
