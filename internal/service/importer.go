package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"invoiceingest/internal/batch"
	"invoiceingest/internal/mapper"
	"invoiceingest/internal/model"
)

// RequiredColumns must appear in the header row of an import workbook.
var RequiredColumns = []string{"Date", "Vendor", "Amount", "Category"}

// ImportRow is the outcome of one spreadsheet row. Row is 1-based as shown in
// spreadsheet software.
type ImportRow struct {
	Row      int    `json:"row"`
	Status   string `json:"status"`
	RecordID string `json:"record_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ImportReport summarizes a workbook import.
type ImportReport struct {
	Filename   string      `json:"filename"`
	Committed  int         `json:"committed"`
	Duplicates int         `json:"duplicates"`
	Rejected   int         `json:"rejected"`
	Rows       []ImportRow `json:"rows"`
}

func (r *ImportReport) add(row ImportRow) {
	switch row.Status {
	case string(batch.StatusCommitted):
		r.Committed++
	case string(batch.StatusDuplicate):
		r.Duplicates++
	default:
		r.Rejected++
	}
	r.Rows = append(r.Rows, row)
}

func (s *invoiceService) Import(ctx context.Context, r io.Reader, filename, transactionType string) (*ImportReport, error) {
	if r == nil {
		return nil, ErrReaderNil
	}
	tt := model.TransactionExpense
	if transactionType != "" {
		var ok bool
		if tt, ok = model.ParseTransactionType(transactionType); !ok {
			return nil, invalid("transaction_type must be INCOME or EXPENSE")
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	sum := sha256.Sum256(raw)
	fileKey := hex.EncodeToString(sum[:])[:16]

	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, invalid("not a readable xlsx workbook")
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, invalid("workbook has no sheets")
	}
	sheet := sheets[0]
	// Raw values keep typed dates as serials instead of the display format.
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, invalid("workbook is empty")
	}

	cols, missing := headerIndex(rows[0])
	if len(missing) > 0 {
		return nil, invalid("missing columns: %s", strings.Join(missing, ", "))
	}

	report := &ImportReport{Filename: filename}
	type queued struct {
		row  int
		done <-chan batch.Result
	}
	var waiting []queued
	now := s.now().UTC()
	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	for i, cells := range rows[1:] {
		rowNum := i + 2
		if blankRow(cells) {
			continue
		}
		numeric := func(col int) bool { return numberCell(f, sheet, col, rowNum) }
		rec, err := rowRecord(cells, cols, now, numeric, date1904)
		if err != nil {
			report.add(ImportRow{Row: rowNum, Status: string(batch.StatusRejected), Reason: err.Error()})
			continue
		}
		rec.ID = uuid.New().String()
		rec.TransactionType = tt
		rec.SourceReference = filename
		rec.IdempotencyKey = fmt.Sprintf("%s:%d", fileKey, rowNum)

		done, err := s.writer.Enqueue(rec)
		if err != nil {
			report.add(ImportRow{Row: rowNum, Status: string(batch.StatusRejected), Reason: err.Error()})
			continue
		}
		waiting = append(waiting, queued{row: rowNum, done: done})
	}

	if len(waiting) > 0 {
		s.writer.Flush(ctx)
	}
	for _, q := range waiting {
		var res batch.Result
		select {
		case res = <-q.done:
		case <-ctx.Done():
			return report, ctx.Err()
		}
		report.add(ImportRow{Row: q.row, Status: string(res.Status), RecordID: res.RecordID, Reason: res.Reason})
	}

	s.log.Info("workbook_imported",
		"event", "import",
		"filename", filename,
		"committed", report.Committed,
		"duplicates", report.Duplicates,
		"rejected", report.Rejected,
	)
	return report, nil
}

type columns struct {
	date, vendor, amount, category, number int
}

func headerIndex(header []string) (columns, []string) {
	c := columns{date: -1, vendor: -1, amount: -1, category: -1, number: -1}
	for i, h := range header {
		switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(h), " ", "")) {
		case "date":
			c.date = i
		case "vendor":
			c.vendor = i
		case "amount":
			c.amount = i
		case "category":
			c.category = i
		case "invoicenumber", "invoice#", "invoiceno":
			c.number = i
		}
	}
	found := map[string]int{"Date": c.date, "Vendor": c.vendor, "Amount": c.amount, "Category": c.category}
	var missing []string
	for _, name := range RequiredColumns {
		if found[name] < 0 {
			missing = append(missing, name)
		}
	}
	return c, missing
}

func cell(cells []string, idx int) string {
	if idx < 0 || idx >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[idx])
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// numberCell reports whether the cell holds a number (including dates, which
// spreadsheets store as day serials) rather than text.
func numberCell(f *excelize.File, sheet string, col, row int) bool {
	if col < 0 {
		return false
	}
	axis, err := excelize.CoordinatesToCellName(col+1, row)
	if err != nil {
		return false
	}
	ct, err := f.GetCellType(sheet, axis)
	if err != nil {
		return false
	}
	switch ct {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString, excelize.CellTypeFormula,
		excelize.CellTypeBool, excelize.CellTypeError, excelize.CellTypeDate:
		return false
	}
	return true
}

func rowDate(v string, number, date1904 bool) (time.Time, error) {
	if number {
		if serial, err := strconv.ParseFloat(v, 64); err == nil {
			t, err := excelize.ExcelDateToTime(serial, date1904)
			if err != nil {
				return time.Time{}, err
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return mapper.ParseDate(v)
}

func rowAmount(v string, number bool) (decimal.Decimal, error) {
	if number {
		return mapper.ParsePlainAmount(v)
	}
	return mapper.ParseAmount(v)
}

func rowRecord(cells []string, c columns, now time.Time, numeric func(col int) bool, date1904 bool) (model.InvoiceRecord, error) {
	rec := model.InvoiceRecord{SourceType: model.SourceBulkImport, IngestedAt: now}

	rec.VendorName = cell(cells, c.vendor)
	if rec.VendorName == "" {
		return rec, fmt.Errorf("vendor is required")
	}
	date, err := rowDate(cell(cells, c.date), numeric(c.date), date1904)
	if err != nil {
		return rec, fmt.Errorf("date: %w", err)
	}
	rec.InvoiceDate = date
	amount, err := rowAmount(cell(cells, c.amount), numeric(c.amount))
	if err != nil {
		return rec, fmt.Errorf("amount: %w", err)
	}
	rec.Amount = amount
	if v := cell(cells, c.category); v != "" {
		rec.Category = &v
	}
	if v := cell(cells, c.number); v != "" {
		rec.InvoiceNumber = &v
	}
	return rec, nil
}
