// Package resolver matches the parsed order against the external catalog's
// customer and item masters. Matching is tiered: exact identifiers first,
// normalized text next, fuzzy similarity last. Anything short of a single
// confident match is surfaced for human selection with scored candidates.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
	"github.com/orderdesk-io/orderdesk/pkg/parser"
	"github.com/orderdesk-io/orderdesk/pkg/zoho"
)

// FuzzyThreshold is the minimum name similarity for a fuzzy candidate.
const FuzzyThreshold = 0.85

// Resolver resolves customers and line items through the catalog API.
type Resolver struct {
	catalog zoho.API
	logger  *slog.Logger
}

func New(catalog zoho.API, logger *slog.Logger) *Resolver {
	return &Resolver{catalog: catalog, logger: logger}
}

// ResolveCustomer matches the raw customer name (and optional tax id)
// against the customer master.
func (r *Resolver) ResolveCustomer(ctx context.Context, rawName, taxID string) (*contracts.Resolution, error) {
	res := &contracts.Resolution{Target: "customer", State: contracts.ResolutionUnresolved}
	if strings.TrimSpace(rawName) == "" {
		return res, nil
	}

	customers, err := r.catalog.SearchCustomers(ctx, rawName)
	if err != nil {
		return nil, zoho.Classify(err)
	}

	if taxID != "" {
		var hits []zoho.Customer
		for _, c := range customers {
			if c.TaxID != "" && normalizeName(c.TaxID) == normalizeName(taxID) {
				hits = append(hits, c)
			}
		}
		if len(hits) == 1 {
			res.State = contracts.ResolutionResolved
			res.ResolvedID = hits[0].ContactID
			res.Method = "tax_id"
			return res, nil
		}
	}

	want := normalizeName(rawName)
	var exact []zoho.Customer
	for _, c := range customers {
		if normalizeName(c.ContactName) == want || normalizeName(c.CompanyName) == want {
			exact = append(exact, c)
		}
	}
	switch {
	case len(exact) == 1:
		res.State = contracts.ResolutionResolved
		res.ResolvedID = exact[0].ContactID
		res.Method = "exact"
		return res, nil
	case len(exact) > 1:
		res.State = contracts.ResolutionNeedsHuman
		for _, c := range exact {
			res.Candidates = append(res.Candidates, contracts.CandidateMatch{ID: c.ContactID, Name: c.ContactName, Score: 1.0})
		}
		return res, nil
	}

	var fuzzy []contracts.CandidateMatch
	for _, c := range customers {
		score := similarity(rawName, c.ContactName)
		if s := similarity(rawName, c.CompanyName); s > score {
			score = s
		}
		if score >= FuzzyThreshold {
			fuzzy = append(fuzzy, contracts.CandidateMatch{ID: c.ContactID, Name: c.ContactName, Score: score})
		}
	}
	switch {
	case len(fuzzy) == 1:
		res.State = contracts.ResolutionResolved
		res.ResolvedID = fuzzy[0].ID
		res.Method = "fuzzy"
		res.Candidates = fuzzy
	case len(fuzzy) > 1:
		res.State = contracts.ResolutionNeedsHuman
		res.Candidates = fuzzy
	}
	return res, nil
}

// ResolveItems matches every line item: GTIN first, normalized SKU next,
// fuzzy product name last. One Resolution per line, in line order.
func (r *Resolver) ResolveItems(ctx context.Context, items []contracts.LineItem) ([]contracts.Resolution, error) {
	out := make([]contracts.Resolution, 0, len(items))
	for _, item := range items {
		res, err := r.resolveItem(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (r *Resolver) resolveItem(ctx context.Context, item contracts.LineItem) (*contracts.Resolution, error) {
	res := &contracts.Resolution{
		Target: fmt.Sprintf("item:%d", item.RowIndex),
		State:  contracts.ResolutionUnresolved,
	}

	if gtin := parser.NormalizeGTIN(item.GTIN); gtin != "" {
		hits, err := r.catalog.SearchItems(ctx, zoho.ItemQuery{GTIN: gtin})
		if err != nil {
			return nil, zoho.Classify(err)
		}
		if fillFromItems(res, hits, "gtin") {
			return res, nil
		}
	}

	if sku := parser.NormalizeSKU(item.SKU); sku != "" {
		hits, err := r.catalog.SearchItems(ctx, zoho.ItemQuery{SKU: sku})
		if err != nil {
			return nil, zoho.Classify(err)
		}
		// The remote search may be a substring match; require equality.
		var exact []zoho.Item
		for _, h := range hits {
			if parser.NormalizeSKU(h.SKU) == sku {
				exact = append(exact, h)
			}
		}
		if fillFromItems(res, exact, "sku") {
			return res, nil
		}
	}

	if item.Product != "" {
		hits, err := r.catalog.SearchItems(ctx, zoho.ItemQuery{Name: item.Product})
		if err != nil {
			return nil, zoho.Classify(err)
		}
		var fuzzy []contracts.CandidateMatch
		for _, h := range hits {
			if score := similarity(item.Product, h.Name); score >= FuzzyThreshold {
				fuzzy = append(fuzzy, contracts.CandidateMatch{ID: h.ItemID, Name: h.Name, Score: score})
			}
		}
		switch {
		case len(fuzzy) == 1:
			res.State = contracts.ResolutionResolved
			res.ResolvedID = fuzzy[0].ID
			res.Method = "fuzzy"
			res.Candidates = fuzzy
		case len(fuzzy) > 1:
			res.State = contracts.ResolutionNeedsHuman
			res.Candidates = fuzzy
		}
	}
	return res, nil
}

// fillFromItems applies an identifier-tier match outcome. A single hit
// resolves, several hits go to a human, none falls through to the next tier.
func fillFromItems(res *contracts.Resolution, hits []zoho.Item, method string) bool {
	switch {
	case len(hits) == 1:
		res.State = contracts.ResolutionResolved
		res.ResolvedID = hits[0].ItemID
		res.Method = method
		return true
	case len(hits) > 1:
		res.State = contracts.ResolutionNeedsHuman
		res.Method = method
		for _, h := range hits {
			res.Candidates = append(res.Candidates, contracts.CandidateMatch{ID: h.ItemID, Name: h.Name, Score: 1.0})
		}
		return true
	}
	return false
}

// normalizeName folds a name for comparison: NFKC, lower case, collapsed
// whitespace.
func normalizeName(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), " ")
}

// similarity is 1 - levenshtein/maxLen over normalized names, in [0,1].
func similarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	la, lb := len([]rune(na)), len([]rune(nb))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	d := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(d)/float64(maxLen)
}
