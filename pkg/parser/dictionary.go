package parser

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// headerSynonyms maps canonical fields to English and Farsi header spellings
// seen in real purchase orders.
var headerSynonyms = map[contracts.CanonicalField][]string{
	contracts.FieldCustomerName: {
		"customer", "customer name", "client", "buyer", "bill to", "bill-to",
		"company", "sold to",
		"مشتری", "نام مشتری", "خریدار", "شرکت",
	},
	contracts.FieldSKU: {
		"sku", "item code", "product code", "part number", "part no", "code",
		"item no", "article",
		"کد کالا", "کد محصول", "کد",
	},
	contracts.FieldGTIN: {
		"gtin", "ean", "upc", "barcode", "bar code",
		"بارکد",
	},
	contracts.FieldProductName: {
		"product", "product name", "description", "item", "item name",
		"goods", "article name",
		"کالا", "نام کالا", "شرح", "شرح کالا", "محصول",
	},
	contracts.FieldQuantity: {
		"qty", "quantity", "count", "units", "pcs",
		"تعداد", "مقدار",
	},
	contracts.FieldUnitPrice: {
		"unit price", "price", "rate", "price/unit", "unit cost",
		"قیمت", "قیمت واحد", "فی", "نرخ",
	},
	contracts.FieldLineTotal: {
		"total", "line total", "amount", "extended", "ext price", "net amount",
		"مبلغ", "مبلغ کل", "جمع",
	},
	contracts.FieldCurrency: {
		"currency", "ccy",
		"ارز", "واحد پول",
	},
	contracts.FieldDate: {
		"date", "order date", "po date",
		"تاریخ", "تاریخ سفارش",
	},
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ":.#*")
	return whitespaceRun.ReplaceAllString(s, " ")
}

// dictionaryScore scores a header cell against a field's synonym set.
// Exact matches score 1.0, containment 0.8, close edit distance proportional.
func dictionaryScore(field contracts.CanonicalField, header string) float64 {
	h := normalizeHeader(header)
	if h == "" {
		return 0
	}
	best := 0.0
	for _, syn := range headerSynonyms[field] {
		switch {
		case h == syn:
			return 1.0
		case strings.Contains(h, syn) || strings.Contains(syn, h):
			if best < 0.8 {
				best = 0.8
			}
		default:
			dist := levenshtein.ComputeDistance(h, syn)
			maxLen := len([]rune(h))
			if l := len([]rune(syn)); l > maxLen {
				maxLen = l
			}
			if maxLen == 0 {
				continue
			}
			sim := 1.0 - float64(dist)/float64(maxLen)
			if sim >= 0.75 && sim > best {
				best = sim
			}
		}
	}
	return best
}

// headerLike reports whether a cell plausibly belongs to a header row.
func headerLike(s string) bool {
	h := normalizeHeader(s)
	if h == "" || len([]rune(h)) > 40 || looksLikeNumber(h) {
		return false
	}
	for field := range headerSynonyms {
		if dictionaryScore(field, h) >= 0.6 {
			return true
		}
	}
	return false
}

// DetectLanguage classifies sampled strings by the share of Perso-Arabic
// letters: above 30% is fa, a trace amount is mixed.
func DetectLanguage(samples []string) string {
	var letters, perso int
	for _, s := range samples {
		for _, r := range s {
			if !unicode.IsLetter(r) {
				continue
			}
			letters++
			if unicode.In(r, unicode.Arabic) {
				perso++
			}
		}
	}
	if letters == 0 {
		return "unknown"
	}
	ratio := float64(perso) / float64(letters)
	switch {
	case ratio > 0.30:
		return "fa"
	case ratio > 0.05:
		return "mixed"
	default:
		return "en"
	}
}
