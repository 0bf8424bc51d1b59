package mapper

import (
	"regexp"
	"strings"
)

// Field is a canonical invoice field the mapper resolves.
type Field string

const (
	FieldVendor        Field = "vendor_name"
	FieldInvoiceNumber Field = "invoice_number"
	FieldDate          Field = "invoice_date"
	FieldTotal         Field = "amount"
)

// Rule lists the label variants tried for one field, most specific first.
// Labels are compared after normalization, so casing and punctuation do not matter.
type Rule struct {
	Field     Field
	Labels    []string
	Mandatory bool
	// LinePatterns are tried against raw text lines when no label matched.
	// The first capture group is the value.
	LinePatterns []*regexp.Regexp
}

// DefaultRules is the label table. Extend it here rather than adding branches to Map.
var DefaultRules = []Rule{
	{
		Field:     FieldVendor,
		Mandatory: true,
		Labels: []string{
			"vendor name", "vendor", "supplier name", "supplier", "seller", "merchant",
			"bill from", "from", "sold by", "company name", "company",
			"lieferant", "fournisseur", "proveedor",
		},
		LinePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^\s*(?:vendor|bill\s+from|from|supplier)\s*:?\s*([A-Za-z][A-Za-z0-9 &.,'-]{2,})$`),
			regexp.MustCompile(`(?i)^\s*(?:company|business)\s*:?\s*([A-Za-z][A-Za-z0-9 &.,'-]{2,})$`),
		},
	},
	{
		Field: FieldInvoiceNumber,
		Labels: []string{
			"invoice number", "invoice no", "invoice id", "invoice", "inv no", "bill number",
			"rechnungsnummer", "numero de facture", "factura no",
		},
		LinePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)invoice\s+(?:number|no\.?)\s*:?\s*([A-Z0-9][\w-]*)`),
			regexp.MustCompile(`(?i)invoice\s*#\s*:?\s*([A-Z0-9][\w-]*)`),
			regexp.MustCompile(`\b(INV[-#]\s*[A-Z0-9][\w-]*)`),
		},
	},
	{
		Field:     FieldDate,
		Mandatory: true,
		Labels: []string{
			"invoice date", "date of issue", "issue date", "bill date", "date", "dated", "issued",
			"rechnungsdatum", "date de facture", "fecha",
		},
	},
	{
		Field:     FieldTotal,
		Mandatory: true,
		Labels:    totalLabels,
	},
}

// totalLabels doubles as the synonym set for the table fallback.
var totalLabels = []string{
	"total amount", "grand total", "invoice total", "amount due", "total due", "balance due",
	"total", "amount", "gesamtbetrag", "montant total", "importe total",
}

var (
	labelPunct = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	spaces     = regexp.MustCompile(`\s+`)
)

// normalizeLabel lower-cases, turns punctuation into spaces and collapses whitespace.
func normalizeLabel(s string) string {
	s = labelPunct.ReplaceAllString(strings.ToLower(s), " ")
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
