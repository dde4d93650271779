package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaLockID int64 = 2026101901

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ontology_concepts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	parent_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ontology_relations (
	kind TEXT NOT NULL,
	source_id TEXT NOT NULL REFERENCES ontology_concepts(id),
	target_id TEXT NOT NULL REFERENCES ontology_concepts(id),
	weight DOUBLE PRECISION NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, source_id, target_id)
);

CREATE TABLE IF NOT EXISTS ontology_entity_links (
	entity_id TEXT NOT NULL,
	concept_id TEXT NOT NULL REFERENCES ontology_concepts(id),
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (entity_id, concept_id)
);

CREATE TABLE IF NOT EXISTS cross_references (
	fragment_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	evidence JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (fragment_id, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_cross_references_entity ON cross_references(entity_id);
CREATE INDEX IF NOT EXISTS idx_ontology_relations_target ON ontology_relations(target_id);
`

// EnsureSchema creates the ontology and cross-reference tables.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
