package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var schemaInitial string

// schemaStep is one versioned slice of the schema. Steps are applied in
// order, each inside its own transaction, and recorded in schema_version so
// a restart picks up where the last run stopped.
type schemaStep struct {
	version int
	label   string
	script  string
}

var schemaSteps = []schemaStep{
	{version: 1, label: "initial_schema", script: schemaInitial},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&applied); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, step := range schemaSteps {
		if step.version <= applied {
			continue
		}
		if err := applyStep(ctx, db, step); err != nil {
			return fmt.Errorf("schema step %d (%s): %w", step.version, step.label, err)
		}
	}
	return nil
}

func applyStep(ctx context.Context, db *sql.DB, step schemaStep) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(step.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, step.version, step.label); err != nil {
		return err
	}
	return tx.Commit()
}

// sqlStatements splits a script on semicolons, dropping fragments that hold
// nothing but whitespace and -- comments.
func sqlStatements(script string) []string {
	var stmts []string
outer:
	for _, raw := range strings.Split(script, ";") {
		frag := strings.TrimSpace(raw)
		if frag == "" {
			continue
		}
		for _, line := range strings.Split(frag, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				stmts = append(stmts, frag)
				continue outer
			}
		}
	}
	return stmts
}
