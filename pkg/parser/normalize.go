package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Eastern Arabic (٠-٩) and extended Persian (۰-۹) digits, plus the Arabic
// decimal and thousands separators.
var digitTranslation = map[rune]rune{
	'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
	'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
	'٫': '.', '٬': ',',
}

// TranslateDigits maps Persian and Eastern Arabic digits to ASCII.
func TranslateDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if ascii, ok := digitTranslation[r]; ok {
			return ascii
		}
		return r
	}, s)
}

var currencySymbols = map[string]string{
	"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY",
	"﷼": "IRR", "ریال": "IRR", "تومان": "IRT",
}

var isoCodePattern = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|AED|IRR|IRT)\b`)
var isoCodeAnywhere = regexp.MustCompile(`(?i)\b(USD|EUR|GBP|JPY|AED|IRR|IRT)\b`)

// DetectCurrency finds a currency symbol or ISO code in a cell value.
func DetectCurrency(s string) string {
	for sym, code := range currencySymbols {
		if strings.Contains(s, sym) {
			return code
		}
	}
	if m := isoCodePattern.FindString(strings.ToUpper(s)); m != "" {
		return m
	}
	return ""
}

func stripCurrencyDecoration(s string) string {
	for sym := range currencySymbols {
		s = strings.ReplaceAll(s, sym, "")
	}
	return isoCodeAnywhere.ReplaceAllString(s, "")
}

// NormalizeNumber parses a localized numeric cell value. It translates
// Persian digits, strips currency decoration, and reconciles the decimal
// separator by the last-separator heuristic: if the last ',' appears after
// the last '.', the comma is the decimal point. Values carrying anything
// beyond digits, separators, sign, and currency decoration are not numbers:
// "ABC-1" is an item code, not -1.
func NormalizeNumber(s string) (float64, bool) {
	s = TranslateDigits(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	s = stripCurrencyDecoration(s)

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		case r == '(' || r == ')':
			// Accounting negatives: (12.50) means -12.50.
			b.WriteRune(r)
		case unicode.IsSpace(r):
		default:
			return 0, false
		}
	}
	cleaned := b.String()
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		cleaned = "-" + strings.Trim(cleaned, "()")
	} else {
		cleaned = strings.ReplaceAll(strings.ReplaceAll(cleaned, "(", ""), ")", "")
	}
	if cleaned == "" || cleaned == "-" {
		return 0, false
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	switch {
	case lastComma > lastDot:
		// European: '.' groups thousands, ',' is the decimal point.
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	default:
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeSKU trims, uppercases, and collapses internal whitespace.
func NormalizeSKU(s string) string {
	return whitespaceRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), " ")
}

// NormalizeGTIN strips every non-digit after digit translation.
func NormalizeGTIN(s string) string {
	s = TranslateDigits(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidGTIN verifies length and the GS1 check digit: digits excluding the
// check digit are weighted 3,1,3,... from the right, and the check digit is
// the complement of the sum mod 10.
func ValidGTIN(gtin string) bool {
	switch len(gtin) {
	case 8, 12, 13, 14:
	default:
		return false
	}
	sum := 0
	weight := 3
	for i := len(gtin) - 2; i >= 0; i-- {
		d := int(gtin[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		sum += d * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return int(gtin[len(gtin)-1]-'0') == check
}

var gtinPattern = regexp.MustCompile(`^\d{8}$|^\d{12,14}$`)
var skuPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_/.]{1,31}$`)

// looksLikeGTIN reports whether a raw sample could be a GTIN.
func looksLikeGTIN(s string) bool {
	return gtinPattern.MatchString(NormalizeGTIN(s))
}

// looksLikeSKU reports whether a raw sample could be a vendor item code.
func looksLikeSKU(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || looksLikeNumber(s) {
		return false
	}
	return skuPattern.MatchString(s)
}

func looksLikeNumber(s string) bool {
	_, ok := NormalizeNumber(s)
	return ok
}

var totalKeywords = []string{
	"total", "subtotal", "sub-total", "grand total", "sum", "amount due",
	"tax", "vat",
	"جمع", "جمع کل", "مجموع", "مالیات", "قابل پرداخت",
}

// isTotalKeyword reports whether a cell labels a totals row.
func isTotalKeyword(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return false
	}
	for _, kw := range totalKeywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// totalLabelKind distinguishes the totals rows we can bind to the canonical
// totals block.
func totalLabelKind(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "tax"), strings.Contains(s, "vat"), strings.Contains(s, "مالیات"):
		return "tax"
	case strings.Contains(s, "subtotal"), strings.Contains(s, "sub-total"):
		return "subtotal"
	case strings.Contains(s, "grand"), strings.Contains(s, "amount due"),
		strings.Contains(s, "جمع کل"), strings.Contains(s, "قابل پرداخت"):
		return "grand"
	case strings.Contains(s, "total"), strings.Contains(s, "مجموع"), strings.Contains(s, "جمع"):
		return "grand"
	}
	return ""
}
