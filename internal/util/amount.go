package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reThousandsDot   = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+(?:,\d+)?$`)
	reThousandsComma = regexp.MustCompile(`^\d{1,3}(?:,\d{3})+(?:\.\d+)?$`)
	reAmountChars    = regexp.MustCompile(`[^0-9.,\-]`)
	reAmountToken    = regexp.MustCompile(`-?\(?\d[\d,.]*\d\)?|-?\d`)
)

// ParseAmount reads a human-formatted money or quantity value such as
// "$1,234.50", "AUD 1 234,50", "1.234,50" or "(12.00)". Parenthesised values
// are negative.
func ParseAmount(input string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(strings.ReplaceAll(input, "\u00A0", " "))
	if s == "" {
		return decimal.Zero, false
	}
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.ReplaceAll(s, " ", "")
	s = reAmountChars.ReplaceAllString(s, "")
	if strings.HasPrefix(s, "-") {
		neg = !neg
		s = strings.TrimPrefix(s, "-")
	}
	s = normalizeNumericToken(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// ParseNullAmount is ParseAmount returning an absent value instead of false.
func ParseNullAmount(input string) decimal.NullDecimal {
	d, ok := ParseAmount(input)
	return decimal.NullDecimal{Decimal: d, Valid: ok}
}

// FindAmount returns the last amount-looking token in a line of text.
func FindAmount(line string) (decimal.Decimal, bool) {
	matches := reAmountToken.FindAllString(line, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if d, ok := ParseAmount(matches[i]); ok {
			return d, true
		}
	}
	return decimal.Zero, false
}

func normalizeNumericToken(token string) string {
	compact := strings.ReplaceAll(token, " ", "")
	if reThousandsDot.MatchString(compact) {
		return strings.ReplaceAll(strings.ReplaceAll(compact, ".", ""), ",", ".")
	}
	if reThousandsComma.MatchString(compact) {
		return strings.ReplaceAll(compact, ",", "")
	}
	if strings.Contains(compact, ",") && !strings.Contains(compact, ".") {
		return strings.ReplaceAll(compact, ",", ".")
	}
	return compact
}

// Money formats an amount with two decimals for reports.
func Money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func NullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
