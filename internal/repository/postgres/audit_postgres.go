package postgres

import (
	"context"
	"database/sql"
	"errors"

	"invoiceingest/internal/model"
	"invoiceingest/internal/repository"
)

// AuditPostgres appends ingestion outcomes to ingestion_audit. Rows are never updated.
type AuditPostgres struct {
	db *sql.DB
}

func NewAuditPostgres(db *sql.DB) *AuditPostgres {
	return &AuditPostgres{db: db}
}

var _ repository.AuditRepository = (*AuditPostgres)(nil)

func (r *AuditPostgres) Append(ctx context.Context, e *model.AuditEntry) error {
	const q = `
		INSERT INTO ingestion_audit (
			id, source_reference, idempotency_key, outcome, record_id, reason,
			job_handle, failure_detail, last_state, started_at, finished_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SourceReference,
		e.IdempotencyKey,
		string(e.Outcome),
		e.RecordID,
		e.Reason,
		e.JobHandle,
		e.FailureDetail,
		e.LastState,
		e.StartedAt,
		e.FinishedAt,
		e.Duration.Milliseconds(),
	)
	return err
}

func (r *AuditPostgres) LastOutcome(ctx context.Context, sourceRef, idempotencyKey string) (*model.AuditEntry, error) {
	const q = `
		SELECT id, outcome, reason, finished_at
		FROM ingestion_audit
		WHERE source_reference = $1 AND idempotency_key = $2 AND outcome <> 'DuplicateSkipped'
		ORDER BY finished_at DESC
		LIMIT 1
	`
	e := &model.AuditEntry{SourceReference: sourceRef, IdempotencyKey: idempotencyKey}
	var (
		outcome string
		reason  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, q, sourceRef, idempotencyKey).Scan(&e.ID, &outcome, &reason, &e.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Outcome = model.OutcomeKind(outcome)
	if reason.Valid {
		e.Reason = &reason.String
	}
	return e, nil
}
