package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"invoiceingest/internal/model"
	"invoiceingest/internal/repository"
)

// Copier is the COPY entry point of a pgx pool or connection.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const uniqueViolation = "23505"

var insertColumns = []string{
	"id",
	"vendor_name",
	"invoice_number",
	"invoice_date",
	"amount",
	"category",
	"transaction_type",
	"source_type",
	"source_reference",
	"idempotency_key",
	"extraction_confidence",
	"needs_review",
	"ingested_at",
}

const selectColumns = `id, vendor_name, invoice_number, invoice_date, amount, category,
		transaction_type, source_type, source_reference, idempotency_key,
		extraction_confidence, needs_review, ingested_at, is_deleted, deletion_reason, deleted_at`

// InvoicePostgres is a PostgreSQL implementation of repository.InvoiceRepository.
// It uses database/sql with parameterized queries, and COPY through the pgx pool
// for large batches. It contains no business logic.
type InvoicePostgres struct {
	db            *sql.DB
	copier        Copier
	copyThreshold int
}

// NewInvoicePostgres creates a new InvoicePostgres repository. Batches of at least
// copyThreshold rows go through copier; a nil copier disables COPY.
func NewInvoicePostgres(db *sql.DB, copier Copier, copyThreshold int) *InvoicePostgres {
	if copyThreshold < 1 {
		copyThreshold = 1
	}
	return &InvoicePostgres{db: db, copier: copier, copyThreshold: copyThreshold}
}

var _ repository.InvoiceRepository = (*InvoicePostgres)(nil)

// ExistsByIdempotencyKey checks the unique pair, soft-deleted rows included.
func (r *InvoicePostgres) ExistsByIdempotencyKey(ctx context.Context, sourceRef, idempotencyKey string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM invoices WHERE source_reference = $1 AND idempotency_key = $2
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, q, sourceRef, idempotencyKey).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// BulkInsert writes the batch atomically, by COPY or by one multi-row INSERT.
func (r *InvoicePostgres) BulkInsert(ctx context.Context, recs []model.InvoiceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if r.copier != nil && len(recs) >= r.copyThreshold {
		return r.copyInsert(ctx, recs)
	}
	return r.multiRowInsert(ctx, recs)
}

func (r *InvoicePostgres) copyInsert(ctx context.Context, recs []model.InvoiceRecord) error {
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		row, err := copyRow(&recs[i])
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	n, err := r.copier.CopyFrom(ctx, pgx.Identifier{"invoices"}, insertColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy invoices: %w", err)
	}
	if int(n) != len(recs) {
		return fmt.Errorf("copy invoices: wrote %d of %d rows", n, len(recs))
	}
	return nil
}

func copyRow(rec *model.InvoiceRecord) ([]any, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("invoice id %q: %w", rec.ID, err)
	}
	return []any{
		id,
		rec.VendorName,
		rec.InvoiceNumber,
		rec.InvoiceDate,
		pgtype.Numeric{Int: rec.Amount.Coefficient(), Exp: rec.Amount.Exponent(), Valid: true},
		rec.Category,
		string(rec.TransactionType),
		string(rec.SourceType),
		rec.SourceReference,
		rec.IdempotencyKey,
		rec.Confidence,
		rec.NeedsReview,
		rec.IngestedAt,
	}, nil
}

func insertArgs(rec *model.InvoiceRecord) []any {
	return []any{
		rec.ID,
		rec.VendorName,
		rec.InvoiceNumber,
		rec.InvoiceDate,
		rec.AmountString(),
		rec.Category,
		string(rec.TransactionType),
		string(rec.SourceType),
		rec.SourceReference,
		rec.IdempotencyKey,
		rec.Confidence,
		rec.NeedsReview,
		rec.IngestedAt,
	}
}

func (r *InvoicePostgres) multiRowInsert(ctx context.Context, recs []model.InvoiceRecord) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO invoices (")
	sb.WriteString(strings.Join(insertColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(recs)*len(insertColumns))
	for i := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range insertColumns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*len(insertColumns)+c+1)
		}
		sb.WriteByte(')')
		args = append(args, insertArgs(&recs[i])...)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert invoices: %w", err)
	}
	return tx.Commit()
}

// Insert writes one row; the unique pair makes a second write of the same upload a no-op.
func (r *InvoicePostgres) Insert(ctx context.Context, rec *model.InvoiceRecord) error {
	q := `INSERT INTO invoices (` + strings.Join(insertColumns, ", ") + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source_reference, idempotency_key) DO NOTHING
		RETURNING id`
	var id string
	err := r.db.QueryRowContext(ctx, q, insertArgs(rec)...).Scan(&id)
	switch {
	case err == nil:
		return nil
	case IsNoRowsError(err), IsUniqueViolation(err):
		return repository.ErrDuplicate
	default:
		return err
	}
}

// FindByID fetches a single invoice by its ID.
func (r *InvoicePostgres) FindByID(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM invoices WHERE id = $1`
	rec, err := scanInvoice(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if IsNoRowsError(err) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// List returns live invoices using LIMIT/OFFSET pagination and a total count.
func (r *InvoicePostgres) List(ctx context.Context, pq repository.PageQuery) (*repository.PageResult[model.InvoiceRecord], error) {
	const qCount = `SELECT COUNT(*) FROM invoices WHERE NOT is_deleted`
	var total int
	if err := r.db.QueryRowContext(ctx, qCount).Scan(&total); err != nil {
		return nil, err
	}

	qList := `SELECT ` + selectColumns + ` FROM invoices
		WHERE NOT is_deleted
		ORDER BY ingested_at DESC, id DESC
		LIMIT $1 OFFSET $2`
	rows, err := r.db.QueryContext(ctx, qList, pq.Limit, pq.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.InvoiceRecord, 0)
	for rows.Next() {
		rec, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &repository.PageResult[model.InvoiceRecord]{
		Items: items,
		Total: total,
	}, nil
}

// SoftDelete flags a live row as deleted; rows are never removed.
func (r *InvoicePostgres) SoftDelete(ctx context.Context, id, reason string, at time.Time) error {
	const q = `
		UPDATE invoices
		SET is_deleted = true, deletion_reason = $2, deleted_at = $3
		WHERE id = $1 AND NOT is_deleted
	`
	res, err := r.db.ExecContext(ctx, q, id, reason, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*model.InvoiceRecord, error) {
	var (
		rec            model.InvoiceRecord
		invoiceNumber  sql.NullString
		category       sql.NullString
		txType, source string
		confidence     sql.NullFloat64
		reason         sql.NullString
		deletedAt      sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.VendorName,
		&invoiceNumber,
		&rec.InvoiceDate,
		&rec.Amount,
		&category,
		&txType,
		&source,
		&rec.SourceReference,
		&rec.IdempotencyKey,
		&confidence,
		&rec.NeedsReview,
		&rec.IngestedAt,
		&rec.Deleted,
		&reason,
		&deletedAt,
	); err != nil {
		return nil, err
	}
	rec.TransactionType = model.TransactionType(txType)
	rec.SourceType = model.SourceType(source)
	if invoiceNumber.Valid {
		rec.InvoiceNumber = &invoiceNumber.String
	}
	if category.Valid {
		rec.Category = &category.String
	}
	if confidence.Valid {
		rec.Confidence = &confidence.Float64
	}
	if reason.Valid {
		rec.DeletionReason = &reason.String
	}
	if deletedAt.Valid {
		rec.DeletedAt = &deletedAt.Time
	}
	return &rec, nil
}

// IsNoRowsError reports whether err means the query matched nothing.
func IsNoRowsError(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
