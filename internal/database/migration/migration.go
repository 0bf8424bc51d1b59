package migration

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

type migrationStep struct {
	Name string
	SQL  string
}

var steps = []migrationStep{
	{
		Name: "create_table_invoices",
		SQL: `CREATE TABLE IF NOT EXISTS invoices (
  id                    UUID          PRIMARY KEY,
  vendor_name           TEXT          NOT NULL CHECK (length(trim(vendor_name)) > 0),
  invoice_number        TEXT,
  invoice_date          DATE          NOT NULL,
  amount                NUMERIC(14,2) NOT NULL CHECK (amount >= 0),
  category              TEXT,
  transaction_type      TEXT          NOT NULL DEFAULT 'EXPENSE' CHECK (transaction_type IN ('INCOME', 'EXPENSE')),
  source_type           TEXT          NOT NULL CHECK (source_type IN ('scan', 'bulk_import', 'manual')),
  source_reference      TEXT          NOT NULL,
  idempotency_key       TEXT          NOT NULL,
  extraction_confidence NUMERIC(5,2),
  needs_review          BOOLEAN       NOT NULL DEFAULT false,
  ingested_at           TIMESTAMPTZ   NOT NULL DEFAULT now(),
  is_deleted            BOOLEAN       NOT NULL DEFAULT false,
  deletion_reason       TEXT,
  deleted_at            TIMESTAMPTZ,
  CONSTRAINT invoices_source_idempotency_key UNIQUE (source_reference, idempotency_key),
  CONSTRAINT invoices_confidence_by_source CHECK (
    (source_type = 'scan' AND extraction_confidence BETWEEN 0 AND 100)
    OR (source_type <> 'scan' AND extraction_confidence IS NULL)
  ),
  CONSTRAINT invoices_date_not_future CHECK (invoice_date <= ingested_at::date)
);`,
	},
	{
		Name: "create_index_invoices_invoice_date",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_invoices_invoice_date ON invoices (invoice_date);`,
	},
	{
		Name: "create_index_invoices_vendor_name",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_invoices_vendor_name ON invoices (vendor_name);`,
	},
	{
		Name: "create_index_invoices_source_type",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_invoices_source_type ON invoices (source_type) WHERE NOT is_deleted;`,
	},
	{
		Name: "create_table_ingestion_audit",
		SQL: `CREATE TABLE IF NOT EXISTS ingestion_audit (
  id               UUID        PRIMARY KEY,
  source_reference TEXT        NOT NULL,
  idempotency_key  TEXT        NOT NULL,
  outcome          TEXT        NOT NULL CHECK (outcome IN ('Committed', 'Rejected', 'TimedOut', 'DuplicateSkipped')),
  record_id        UUID,
  reason           TEXT,
  job_handle       TEXT,
  failure_detail   TEXT,
  last_state       TEXT        NOT NULL,
  started_at       TIMESTAMPTZ NOT NULL,
  finished_at      TIMESTAMPTZ NOT NULL,
  duration_ms      BIGINT      NOT NULL CHECK (duration_ms >= 0)
);`,
	},
	{
		Name: "create_index_ingestion_audit_source",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_ingestion_audit_source ON ingestion_audit (source_reference, idempotency_key);`,
	},
}

// EnsureMigrated checks if the 'ingestion_audit' table exists and runs migrations if it doesn't.
func EnsureMigrated(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	start := time.Now()
	log = log.With("component", "database")

	log.Info("db_migration_check", "status", "starting")

	var exists bool
	query := "SELECT to_regclass('public.ingestion_audit') IS NOT NULL"
	err := db.QueryRowContext(ctx, query).Scan(&exists)
	if err != nil {
		log.Error("db_migration_failed",
			"status", "error",
			"error_message", fmt.Sprintf("failed to check sentinel table: %v", err),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return fmt.Errorf("failed to check sentinel table: %w", err)
	}

	if exists {
		log.Info("db_migration_skip",
			"status", "success",
			"detail", "schema already exists, skipping migration",
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	log.Info("db_migration_start", "status", "in_progress")

	for _, step := range steps {
		stepStart := time.Now()
		if _, err := db.ExecContext(ctx, step.SQL); err != nil {
			log.Error("db_migration_failed",
				"status", "error",
				"migration_step", step.Name,
				"error_message", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
				"step_duration_ms", time.Since(stepStart).Milliseconds(),
			)
			return fmt.Errorf("migration step %s failed: %w", step.Name, err)
		}

		log.Info("db_migration_step",
			"status", "success",
			"migration_step", step.Name,
			"step_duration_ms", time.Since(stepStart).Milliseconds(),
		)
	}

	log.Info("db_migration_success",
		"status", "success",
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}
