package mapper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	isoDate     = regexp.MustCompile(`(?:^|\D)(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})(?:\D|$)`)
	numericDate = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})[-/.](\d{4}|\d{2})$`)
	wordToken   = regexp.MustCompile(`\p{L}+\.?|\d+`)
	amountJunk  = regexp.MustCompile(`[^0-9,.\-()]`)
)

var monthNames = map[string]time.Month{
	"jan": time.January, "january": time.January, "januar": time.January, "janvier": time.January, "enero": time.January,
	"feb": time.February, "february": time.February, "februar": time.February, "février": time.February, "febrero": time.February,
	"mar": time.March, "march": time.March, "märz": time.March, "mars": time.March, "marzo": time.March,
	"apr": time.April, "april": time.April, "avril": time.April, "abril": time.April,
	"may": time.May, "mai": time.May, "mayo": time.May,
	"jun": time.June, "june": time.June, "juni": time.June, "juin": time.June, "junio": time.June,
	"jul": time.July, "july": time.July, "juli": time.July, "juillet": time.July, "julio": time.July,
	"aug": time.August, "august": time.August, "août": time.August, "agosto": time.August,
	"sep": time.September, "sept": time.September, "september": time.September, "septembre": time.September, "septiembre": time.September,
	"oct": time.October, "october": time.October, "oktober": time.October, "octobre": time.October, "octubre": time.October,
	"nov": time.November, "november": time.November, "novembre": time.November, "noviembre": time.November,
	"dec": time.December, "december": time.December, "dezember": time.December, "décembre": time.December, "diciembre": time.December,
}

// parseDate accepts ISO-like, month-name and numeric day/month forms. An ISO-like
// date anywhere in s wins. Numeric forms where both day and month could be
// either are rejected instead of guessed.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &Rejection{Reason: ReasonDateUnparseable, Field: FieldDate, Detail: "empty"}
	}

	if m := isoDate.FindStringSubmatch(s); m != nil {
		return buildDate(s, atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}

	if m := numericDate.FindStringSubmatch(s); m != nil {
		a, b, y := atoi(m[1]), atoi(m[2]), atoi(m[3])
		if len(m[3]) == 2 {
			y += 2000
		}
		switch {
		case a == b:
			return buildDate(s, y, a, b)
		case a > 12 && b <= 12:
			return buildDate(s, y, b, a)
		case b > 12 && a <= 12:
			return buildDate(s, y, a, b)
		case a <= 12 && b <= 12:
			return time.Time{}, &Rejection{
				Reason: ReasonDateAmbiguous,
				Field:  FieldDate,
				Detail: fmt.Sprintf("%q could be day/month or month/day", s),
			}
		}
		return time.Time{}, &Rejection{Reason: ReasonDateUnparseable, Field: FieldDate, Detail: s}
	}

	if d, ok := parseMonthName(s); ok {
		return d, nil
	}
	return time.Time{}, &Rejection{Reason: ReasonDateUnparseable, Field: FieldDate, Detail: s}
}

// parseMonthName handles "Jan 15, 2024", "15 January 2024" and "15-Jan-2024".
func parseMonthName(s string) (time.Time, bool) {
	var (
		month      time.Month
		nums       []int
		numLengths []int
	)
	for _, tok := range wordToken.FindAllString(strings.ToLower(s), -1) {
		if n, err := strconv.Atoi(tok); err == nil {
			nums = append(nums, n)
			numLengths = append(numLengths, len(tok))
			continue
		}
		if m, ok := monthNames[strings.TrimSuffix(tok, ".")]; ok && month == 0 {
			month = m
		}
	}
	if month == 0 || len(nums) != 2 {
		return time.Time{}, false
	}
	day, year := nums[0], nums[1]
	if numLengths[0] == 4 {
		day, year = nums[1], nums[0]
	}
	if year < 100 {
		year += 2000
	}
	d, err := buildDate(s, year, int(month), day)
	return d, err == nil
}

func buildDate(src string, y, m, d int) (time.Time, error) {
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, &Rejection{Reason: ReasonDateUnparseable, Field: FieldDate, Detail: fmt.Sprintf("%q is not a calendar date", src)}
	}
	return t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// parseAmount reads locale-formatted money ("$1,500.00", "1.234,56 EUR",
// "1 234,56", "1'234.50") into a two-digit decimal. A lone separator followed
// by exactly three digits groups thousands, whichever of "." or "," it is.
func parseAmount(s string) (decimal.Decimal, error) {
	raw := s
	s = amountJunk.ReplaceAllString(strings.TrimSpace(s), "")
	// The sign is read after currency text is gone: "USD -5.00", "$-5.00", "5.00-".
	negative := strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") ||
		(strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")"))
	s = strings.Trim(s, "-()")
	if s == "" || strings.ContainsAny(s, "-()") {
		return decimal.Zero, &Rejection{Reason: ReasonAmountUnparseable, Field: FieldTotal, Detail: raw}
	}

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = normalizeSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSeparator(s, ".")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &Rejection{Reason: ReasonAmountUnparseable, Field: FieldTotal, Detail: raw}
	}
	return checkAmount(d, negative, raw)
}

// parsePlainAmount reads a machine-written number such as a spreadsheet cell
// value: "." is always the decimal point and there is no grouping.
func parsePlainAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &Rejection{Reason: ReasonAmountUnparseable, Field: FieldTotal, Detail: s}
	}
	return checkAmount(d.Abs(), d.IsNegative(), s)
}

func checkAmount(d decimal.Decimal, negative bool, raw string) (decimal.Decimal, error) {
	if negative && !d.IsZero() {
		return decimal.Zero, &Rejection{Reason: ReasonAmountNegative, Field: FieldTotal, Detail: raw}
	}
	if !d.Equal(d.Round(2)) {
		return decimal.Zero, &Rejection{Reason: ReasonAmountPrecision, Field: FieldTotal, Detail: raw}
	}
	return d.Round(2), nil
}

// normalizeSeparator handles amounts that use a single kind of separator.
// Repeated separators are grouping. A single one is grouping when exactly
// three digits follow and the integer part is not zero ("1.500", "1,500"),
// otherwise it is the decimal point ("12,5", "0.500").
func normalizeSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	i := strings.Index(s, sep)
	intPart := strings.TrimLeft(s[:i], "0")
	if len(s)-i-1 == 3 && intPart != "" {
		return s[:i] + s[i+1:]
	}
	return s[:i] + "." + s[i+1:]
}
