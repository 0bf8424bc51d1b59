package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies an invoice as money coming in or going out.
type TransactionType string

const (
	TransactionIncome  TransactionType = "INCOME"
	TransactionExpense TransactionType = "EXPENSE"
)

// ParseTransactionType accepts INCOME/EXPENSE in any casing.
func ParseTransactionType(s string) (TransactionType, bool) {
	switch TransactionType(strings.ToUpper(strings.TrimSpace(s))) {
	case TransactionIncome:
		return TransactionIncome, true
	case TransactionExpense:
		return TransactionExpense, true
	}
	return "", false
}

// SourceType records how an invoice entered the system.
type SourceType string

const (
	SourceScan       SourceType = "scan"
	SourceBulkImport SourceType = "bulk_import"
	SourceManual     SourceType = "manual"
)

// InvoiceRecord is the canonical, normalized invoice.
// This is a pure domain model with no database-specific dependencies or tags.
type InvoiceRecord struct {
	ID              string          `json:"id"`
	VendorName      string          `json:"vendor_name"`
	InvoiceNumber   *string         `json:"invoice_number,omitempty"`
	InvoiceDate     time.Time       `json:"invoice_date"`
	Amount          decimal.Decimal `json:"amount"`
	Category        *string         `json:"category,omitempty"`
	TransactionType TransactionType `json:"transaction_type"`
	SourceType      SourceType      `json:"source_type"`
	SourceReference string          `json:"source_reference"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Confidence      *float64        `json:"extraction_confidence,omitempty"`
	NeedsReview     bool            `json:"needs_review"`
	IngestedAt      time.Time       `json:"ingested_at"`
	Deleted         bool            `json:"deleted"`
	DeletionReason  *string         `json:"deletion_reason,omitempty"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
}

// Validate checks the record invariants that hold for every stored invoice.
func (r *InvoiceRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(r.VendorName) == "" {
		errs = append(errs, errors.New("vendor name is required"))
	}
	if strings.TrimSpace(r.SourceReference) == "" {
		errs = append(errs, errors.New("source reference is required"))
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		errs = append(errs, errors.New("idempotency key is required"))
	}
	if r.InvoiceDate.IsZero() {
		errs = append(errs, errors.New("invoice date is required"))
	}
	if r.Amount.IsNegative() {
		errs = append(errs, fmt.Errorf("amount %s is negative", r.Amount.String()))
	}
	if !r.Amount.Equal(r.Amount.Round(2)) {
		errs = append(errs, fmt.Errorf("amount %s has more than two fractional digits", r.Amount.String()))
	}
	if !r.IngestedAt.IsZero() && dateOnly(r.InvoiceDate).After(dateOnly(r.IngestedAt)) {
		errs = append(errs, errors.New("invoice date is after ingestion date"))
	}
	switch r.TransactionType {
	case TransactionIncome, TransactionExpense:
	default:
		errs = append(errs, fmt.Errorf("unknown transaction type %q", r.TransactionType))
	}
	switch r.SourceType {
	case SourceScan:
		if r.Confidence == nil {
			errs = append(errs, errors.New("scan records require a confidence"))
		} else if *r.Confidence < 0 || *r.Confidence > 100 {
			errs = append(errs, fmt.Errorf("confidence %.2f outside [0,100]", *r.Confidence))
		}
	case SourceBulkImport, SourceManual:
		if r.Confidence != nil {
			errs = append(errs, fmt.Errorf("%s records carry no confidence", r.SourceType))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source type %q", r.SourceType))
	}
	return errors.Join(errs...)
}

// AmountString renders the amount with exactly two fractional digits.
func (r *InvoiceRecord) AmountString() string {
	return r.Amount.StringFixed(2)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
