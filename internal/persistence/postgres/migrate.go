// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/workflow-core/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x57464b5f4d494752 // "WFK_MIGR"

// contractColumn is a column the stores rely on, with the shape they rely on.
type contractColumn struct {
	Table    string
	Column   string
	DataType string
	Nullable bool
	Unique   bool
}

// schemaContract lists what the repositories and the worker assume:
// optimistic concurrency on runs.revision, checkpoint streaming by seq, and
// job claiming by status, attempts and heartbeat.
var schemaContract = []contractColumn{
	{Table: "runs", Column: "id", DataType: "text", Unique: true},
	{Table: "runs", Column: "revision", DataType: "bigint"},
	{Table: "runs", Column: "application_state", DataType: "jsonb"},
	{Table: "runs", Column: "metadata", DataType: "jsonb"},
	{Table: "checkpoints", Column: "seq", DataType: "bigint", Unique: true},
	{Table: "checkpoints", Column: "run_id", DataType: "text"},
	{Table: "templates", Column: "environment", DataType: "text"},
	{Table: "conversion_jobs", Column: "status", DataType: "text"},
	{Table: "conversion_jobs", Column: "attempts", DataType: "integer"},
	{Table: "conversion_jobs", Column: "log", DataType: "jsonb"},
	{Table: "conversion_jobs", Column: "next_run_at", DataType: "timestamp with time zone"},
	{Table: "conversion_jobs", Column: "heartbeat_at", DataType: "timestamp with time zone", Nullable: true},
}

// columnInfo is what the catalog reports for one column.
type columnInfo struct {
	DataType string
	Nullable bool
	Unique   bool
}

type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

// EnsureSchema applies pending embedded migrations under an advisory lock,
// then verifies the schema contract. An applied migration whose file has
// since changed is an error.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	migrations, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(migrations) == 0 {
		return errors.New("no embedded migrations found")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); unlockErr != nil {
			logger.Error("schema bootstrap unlock failed", "error", unlockErr)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT;
	`, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	pending, err := pendingMigrations(migrations, applied)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if sum, ok := applied[m.Name]; ok && sum == "" {
			if _, err := conn.Exec(ctx, `UPDATE schema_migrations SET checksum=$2 WHERE filename=$1`, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record checksum for %s: %w", m.Name, err)
			}
		}
	}

	for _, m := range pending {
		logger.Info("applying migration", "file", m.Name, "version", m.Version)
		if err := applyMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}

	logger.Info("schema bootstrap complete",
		"applied", len(pending),
		"skipped", len(migrations)-len(pending),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return SchemaReady(ctx, pool)
}

func appliedChecksums(ctx context.Context, conn *pgxpool.Conn) (map[string]string, error) {
	rows, err := conn.Query(ctx, `SELECT filename, COALESCE(checksum, '') FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]string)
	var name, sum string
	if _, err := pgx.ForEachRow(rows, []any{&name, &sum}, func() error {
		applied[name] = sum
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	return applied, nil
}

// pendingMigrations returns the migrations not yet applied, in order. An
// applied migration recorded with a different checksum fails the bootstrap;
// one recorded without a checksum predates checksums and is trusted.
func pendingMigrations(all []embeddedmigrations.File, applied map[string]string) ([]embeddedmigrations.File, error) {
	pending := make([]embeddedmigrations.File, 0, len(all))
	for _, m := range all {
		sum, ok := applied[m.Name]
		switch {
		case !ok:
			pending = append(pending, m)
		case sum != "" && sum != m.Checksum:
			return nil, fmt.Errorf("migration %s changed after it was applied", m.Name)
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (filename, checksum)
		VALUES ($1, $2)
	`, m.Name, m.Checksum); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SchemaReady reads the catalog once and checks it against the schema
// contract.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	tables := contractTables()
	rows, err := pool.Query(ctx, `
		SELECT c.table_name::text,
		       c.column_name::text,
		       c.data_type::text,
		       c.is_nullable = 'YES',
		       EXISTS (
		           SELECT 1
		           FROM information_schema.key_column_usage k
		           JOIN information_schema.table_constraints t
		             ON t.constraint_name = k.constraint_name
		            AND t.table_schema = k.table_schema
		           WHERE t.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		             AND k.table_schema = c.table_schema
		             AND k.table_name = c.table_name
		             AND k.column_name = c.column_name
		       )
		FROM information_schema.columns c
		WHERE c.table_schema = 'public'
		  AND c.table_name::text = ANY($1::text[])
	`, tables)
	if err != nil {
		return fmt.Errorf("read schema catalog: %w", err)
	}

	found := make(map[string]columnInfo)
	var (
		table, column string
		info          columnInfo
	)
	if _, err := pgx.ForEachRow(rows, []any{&table, &column, &info.DataType, &info.Nullable, &info.Unique}, func() error {
		found[table+"."+column] = info
		return nil
	}); err != nil {
		return fmt.Errorf("read schema catalog: %w", err)
	}
	return checkContract(found)
}

func contractTables() []string {
	var tables []string
	for _, c := range schemaContract {
		if len(tables) == 0 || tables[len(tables)-1] != c.Table {
			tables = append(tables, c.Table)
		}
	}
	return tables
}

// checkContract compares catalog rows keyed "table.column" with
// schemaContract and names every mismatch.
func checkContract(found map[string]columnInfo) error {
	var problems []string
	for _, want := range schemaContract {
		key := want.Table + "." + want.Column
		got, ok := found[key]
		switch {
		case !ok:
			problems = append(problems, key+" missing")
		case got.DataType != want.DataType:
			problems = append(problems, fmt.Sprintf("%s is %s, want %s", key, got.DataType, want.DataType))
		case got.Nullable && !want.Nullable:
			problems = append(problems, key+" must be NOT NULL")
		case want.Unique && !got.Unique:
			problems = append(problems, key+" must be unique")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("schema contract violated: %s", strings.Join(problems, "; "))
	}
	return nil
}
