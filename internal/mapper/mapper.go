// Package mapper turns raw extraction output into a canonical invoice record
// with an aggregate confidence score. It never guesses: a missing mandatory
// field or an ambiguous date is a Rejection, not a default.
package mapper

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoiceingest/internal/model"
)

// RejectionReason is a stable code stored with the audit entry.
type RejectionReason string

const (
	ReasonEmptyPayload      RejectionReason = "empty_payload"
	ReasonMissingField      RejectionReason = "missing_mandatory_field"
	ReasonDateAmbiguous     RejectionReason = "date_ambiguous"
	ReasonDateUnparseable   RejectionReason = "date_unparseable"
	ReasonDateInFuture      RejectionReason = "date_in_future"
	ReasonAmountUnparseable RejectionReason = "amount_unparseable"
	ReasonAmountNegative    RejectionReason = "amount_negative"
	ReasonAmountPrecision   RejectionReason = "amount_precision"
)

// Rejection is a mapping failure. It marks a data problem and is never retried.
type Rejection struct {
	Reason RejectionReason
	Field  Field
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Field)
	}
	return fmt.Sprintf("%s: %s: %s", r.Reason, r.Field, r.Detail)
}

// Source tells where a field value was found.
type Source string

const (
	SourceKeyValue Source = "key_value"
	SourceTable    Source = "table"
	SourceLine     Source = "line"
)

// Resolved is one field value with the confidence the service gave it.
type Resolved struct {
	Value      string
	Confidence float64
	Source     Source
	Label      string
}

// Result is the mapped record plus how each field was resolved.
type Result struct {
	Record     model.InvoiceRecord
	Confidence float64
	Fields     map[Field]Resolved
	Partial    bool
}

// Mapper applies a label table to extraction payloads. It is stateless and safe
// for concurrent use.
type Mapper struct {
	rules []Rule
	now   func() time.Time
}

type Option func(*Mapper)

// WithRules replaces DefaultRules.
func WithRules(rules []Rule) Option {
	return func(m *Mapper) { m.rules = rules }
}

// WithNow sets the clock used to reject future-dated invoices.
func WithNow(now func() time.Time) Option {
	return func(m *Mapper) { m.now = now }
}

func New(opts ...Option) *Mapper {
	m := &Mapper{rules: DefaultRules, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Map resolves every rule against p and builds a scan-sourced record. Identity
// fields (ID, source reference, idempotency key, ingestion time) are left for
// the caller. Category stays empty and transaction type defaults to EXPENSE.
func (m *Mapper) Map(p *model.ExtractionPayload) (*Result, error) {
	if p == nil || (len(p.Fields) == 0 && len(p.Tables) == 0 && len(p.Lines) == 0) {
		return nil, &Rejection{Reason: ReasonEmptyPayload, Field: FieldTotal}
	}

	res := &Result{Fields: make(map[Field]Resolved, len(m.rules)), Partial: p.Partial}
	var mandatory, optional []float64

	for _, rule := range m.rules {
		r, ok := resolveKeyValue(p.Fields, rule.Labels)
		if !ok && rule.Field == FieldTotal {
			r, ok = resolveTable(p.Tables, rule.Labels)
		}
		if !ok && len(rule.LinePatterns) > 0 {
			r, ok = resolveLine(p.Lines, rule.LinePatterns)
		}
		if !ok {
			if rule.Mandatory {
				return nil, &Rejection{Reason: ReasonMissingField, Field: rule.Field}
			}
			continue
		}
		res.Fields[rule.Field] = r
		if rule.Mandatory {
			mandatory = append(mandatory, r.Confidence)
		} else {
			optional = append(optional, r.Confidence)
		}
	}

	rec := model.InvoiceRecord{
		TransactionType: model.TransactionExpense,
		SourceType:      model.SourceScan,
	}
	if r, ok := res.Fields[FieldVendor]; ok {
		rec.VendorName = cleanVendor(r.Value)
		if rec.VendorName == "" {
			return nil, &Rejection{Reason: ReasonMissingField, Field: FieldVendor, Detail: "blank value"}
		}
	}
	if r, ok := res.Fields[FieldInvoiceNumber]; ok {
		n := strings.TrimSpace(r.Value)
		rec.InvoiceNumber = &n
	}
	if r, ok := res.Fields[FieldDate]; ok {
		d, err := parseDate(r.Value)
		if err != nil {
			return nil, err
		}
		if d.After(dateOf(m.now())) {
			return nil, &Rejection{Reason: ReasonDateInFuture, Field: FieldDate, Detail: r.Value}
		}
		rec.InvoiceDate = d
	}
	if r, ok := res.Fields[FieldTotal]; ok {
		amt, err := parseAmount(r.Value)
		if err != nil {
			return nil, err
		}
		rec.Amount = amt
	}

	res.Confidence = Aggregate(mandatory, optional)
	conf := res.Confidence
	rec.Confidence = &conf
	res.Record = rec
	return res, nil
}

// Aggregate is a weighted minimum: the weakest mandatory field caps the score,
// optional fields count at half weight so a poorly read optional field lowers
// the score less than a mandatory one, and neither can raise it. The result is
// clamped to [0,100] and rounded to two decimals.
func Aggregate(mandatory, optional []float64) float64 {
	score := 100.0
	for _, c := range mandatory {
		score = math.Min(score, clamp(c))
	}
	for _, c := range optional {
		score = math.Min(score, 100-0.5*(100-clamp(c)))
	}
	if len(mandatory) == 0 && len(optional) == 0 {
		score = 0
	}
	return math.Round(score*100) / 100
}

func clamp(c float64) float64 {
	return math.Max(0, math.Min(100, c))
}

func resolveKeyValue(fields []model.ExtractedField, labels []string) (Resolved, bool) {
	for _, label := range labels {
		want := normalizeLabel(label)
		for _, f := range fields {
			if normalizeLabel(f.Key) == want && strings.TrimSpace(f.Value) != "" {
				return Resolved{Value: f.Value, Confidence: f.Confidence, Source: SourceKeyValue, Label: f.Key}, true
			}
		}
	}
	return Resolved{}, false
}

// resolveTable finds a row whose first non-empty cell matches a label and takes
// the rightmost cell in that row that parses as an amount.
func resolveTable(tables []model.ExtractedTable, labels []string) (Resolved, bool) {
	for _, label := range labels {
		want := normalizeLabel(label)
		for _, tbl := range tables {
			for _, row := range groupRows(tbl.Cells) {
				head := -1
				for i, c := range row {
					if strings.TrimSpace(c.Text) != "" {
						head = i
						break
					}
				}
				if head < 0 || normalizeLabel(row[head].Text) != want {
					continue
				}
				for i := len(row) - 1; i > head; i-- {
					if _, err := parseAmount(row[i].Text); err == nil {
						conf := row[i].Confidence
						if conf == 0 {
							conf = row[head].Confidence
						}
						return Resolved{Value: row[i].Text, Confidence: conf, Source: SourceTable, Label: row[head].Text}, true
					}
				}
			}
		}
	}
	return Resolved{}, false
}

func groupRows(cells []model.ExtractedCell) [][]model.ExtractedCell {
	byRow := map[int][]model.ExtractedCell{}
	var order []int
	for _, c := range cells {
		if _, seen := byRow[c.Row]; !seen {
			order = append(order, c.Row)
		}
		byRow[c.Row] = append(byRow[c.Row], c)
	}
	sort.Ints(order)
	rows := make([][]model.ExtractedCell, 0, len(order))
	for _, r := range order {
		row := byRow[r]
		sort.Slice(row, func(i, j int) bool { return row[i].Column < row[j].Column })
		rows = append(rows, row)
	}
	return rows
}

func resolveLine(lines []model.ExtractedLine, patterns []*regexp.Regexp) (Resolved, bool) {
	for _, re := range patterns {
		for _, l := range lines {
			if m := re.FindStringSubmatch(l.Text); m != nil && strings.TrimSpace(m[1]) != "" {
				return Resolved{Value: strings.TrimSpace(m[1]), Confidence: l.Confidence, Source: SourceLine, Label: l.Text}, true
			}
		}
	}
	return Resolved{}, false
}

func cleanVendor(s string) string {
	s = strings.TrimSpace(spaces.ReplaceAllString(s, " "))
	if r := []rune(s); len(r) > 255 {
		s = string(r[:255])
	}
	return s
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseAmount applies the mapper's locale-aware money parsing to a single value.
func ParseAmount(s string) (decimal.Decimal, error) {
	return parseAmount(s)
}

// ParsePlainAmount parses an unformatted number ("1234.5") under the same
// sign and precision rules as ParseAmount.
func ParsePlainAmount(s string) (decimal.Decimal, error) {
	return parsePlainAmount(s)
}

// ParseDate applies the mapper's date rules to a single value.
func ParseDate(s string) (time.Time, error) {
	return parseDate(s)
}
