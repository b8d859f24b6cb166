package parser

import (
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// column is one candidate source column with sampled body values.
type column struct {
	ID      string // Excel column letter, stable across the pipeline
	Index   int    // 0-based
	Header  string
	Samples []string
}

const maxScoringSamples = 20

// detectHeaderRow finds the first row that reads like a header: at least
// three header-like cells, or three short labels sitting above a row of
// numeric or identifier values.
func detectHeaderRow(rows [][]string) (int, float64, bool) {
	limit := minInt(len(rows), 20)
	for r := 0; r < limit; r++ {
		var nonEmpty, matched, short int
		for _, v := range rows[r] {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			nonEmpty++
			if headerLike(v) {
				matched++
			}
			if len([]rune(v)) <= 40 && !looksLikeNumber(v) {
				short++
			}
		}
		if nonEmpty == 0 {
			continue
		}
		if matched >= 3 {
			return r, float64(matched) / float64(nonEmpty), true
		}
		if short >= 3 && r+1 < len(rows) && rowStartsData(rows[r+1]) {
			return r, 0.5, true
		}
	}
	return 0, 0, false
}

func rowStartsData(row []string) bool {
	var data int
	for _, v := range row {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if looksLikeNumber(v) || looksLikeSKU(v) || looksLikeGTIN(v) {
			data++
		}
	}
	return data >= 2
}

// buildColumns extracts header text and body samples per column.
func buildColumns(rows [][]string, headerRow int) []column {
	width := 0
	for _, row := range rows {
		if len(row) > width {
			width = len(row)
		}
	}

	cols := make([]column, 0, width)
	for c := 0; c < width; c++ {
		id, err := excelize.ColumnNumberToName(c + 1)
		if err != nil {
			continue
		}
		col := column{ID: id, Index: c}
		if c < len(rows[headerRow]) {
			col.Header = strings.TrimSpace(rows[headerRow][c])
		}
		for r := headerRow + 1; r < len(rows) && len(col.Samples) < maxScoringSamples; r++ {
			if c >= len(rows[r]) {
				continue
			}
			if v := strings.TrimSpace(rows[r][c]); v != "" {
				col.Samples = append(col.Samples, v)
			}
		}
		if col.Header != "" || len(col.Samples) > 0 {
			cols = append(cols, col)
		}
	}
	return cols
}

// patternScore is the fraction of samples matching the field's value shape.
func patternScore(field contracts.CanonicalField, samples []string) float64 {
	if len(samples) == 0 {
		return 0
	}
	var hits int
	for _, s := range samples {
		switch field {
		case contracts.FieldGTIN:
			if looksLikeGTIN(s) && ValidGTIN(NormalizeGTIN(s)) {
				hits++
			}
		case contracts.FieldSKU:
			if looksLikeSKU(s) {
				hits++
			}
		case contracts.FieldQuantity:
			if v, ok := NormalizeNumber(s); ok && v >= 0 {
				hits++
			}
		case contracts.FieldUnitPrice, contracts.FieldLineTotal:
			if looksLikeNumber(s) {
				hits++
			}
		case contracts.FieldCurrency:
			if DetectCurrency(s) != "" {
				hits++
			}
		case contracts.FieldCustomerName, contracts.FieldProductName:
			if !looksLikeNumber(s) && len([]rune(s)) >= 2 {
				hits++
			}
		case contracts.FieldDate:
			if looksLikeDate(s) {
				hits++
			}
		}
	}
	return float64(hits) / float64(len(samples))
}

func looksLikeDate(s string) bool {
	s = TranslateDigits(strings.TrimSpace(s))
	var digits, seps int
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '-' || r == '/' || r == '.':
			seps++
		}
	}
	return digits >= 4 && seps >= 2
}

// typePurity rewards columns with a consistent value type.
func typePurity(samples []string) float64 {
	if len(samples) == 0 {
		return 0
	}
	var numeric int
	for _, s := range samples {
		if looksLikeNumber(s) {
			numeric++
		}
	}
	ratio := float64(numeric) / float64(len(samples))
	if ratio < 0.5 {
		ratio = 1 - ratio
	}
	return ratio
}

// scoreColumn combines dictionary, pattern, and type-distribution signals.
func scoreColumn(field contracts.CanonicalField, col column) (float64, contracts.MappingMethod) {
	dict := dictionaryScore(field, col.Header)
	pattern := patternScore(field, col.Samples)
	stats := typePurity(col.Samples)

	score := 0.5*dict + 0.3*pattern + 0.2*stats
	method := contracts.MethodDictionary
	if pattern > dict && pattern >= stats {
		method = contracts.MethodPattern
	} else if stats > dict && stats > pattern {
		method = contracts.MethodTypeStats
	}
	return score, method
}

// inferMappings scores every column for every canonical field, keeps the top
// three candidates per field, and resolves cross-field conflicts by score.
func inferMappings(cols []column) []contracts.ColumnMapping {
	mappings := make([]contracts.ColumnMapping, 0, len(contracts.AllFields))
	for _, field := range contracts.AllFields {
		m := contracts.ColumnMapping{Field: field}
		type scored struct {
			col    column
			score  float64
			method contracts.MappingMethod
		}
		var ranked []scored
		for _, col := range cols {
			score, method := scoreColumn(field, col)
			if score > 0.3 {
				ranked = append(ranked, scored{col, score, method})
			}
		}
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		for i, s := range ranked {
			if i >= 3 {
				break
			}
			m.Candidates = append(m.Candidates, contracts.MappingCandidate{
				ColumnID: s.col.ID, Header: s.col.Header, Score: s.score,
			})
		}
		if len(ranked) > 0 && ranked[0].score >= 0.5 {
			m.ColumnID = ranked[0].col.ID
			m.Header = ranked[0].col.Header
			m.Confidence = ranked[0].score
			m.Method = ranked[0].method
		}
		mappings = append(mappings, m)
	}
	resolveConflicts(mappings)
	return mappings
}

// resolveConflicts assigns columns greedily by confidence: when two fields
// claim the same column, the stronger keeps it and the weaker falls back to
// its best unclaimed candidate or unmapped.
func resolveConflicts(mappings []contracts.ColumnMapping) {
	order := make([]int, len(mappings))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return mappings[order[a]].Confidence > mappings[order[b]].Confidence
	})

	taken := make(map[string]bool)
	for _, i := range order {
		m := &mappings[i]
		if m.ColumnID == "" {
			continue
		}
		if !taken[m.ColumnID] {
			taken[m.ColumnID] = true
			continue
		}
		m.ColumnID = ""
		m.Header = ""
		m.Confidence = 0
		for _, c := range m.Candidates {
			if !taken[c.ColumnID] && c.Score >= 0.5 {
				m.ColumnID = c.ColumnID
				m.Header = c.Header
				m.Confidence = c.Score
				taken[c.ColumnID] = true
				break
			}
		}
	}
}

// deterministicThreshold is the committee trigger: any mapped field whose top
// candidate scores below it, or whose top two candidates are within
// ambiguityMargin, sends the case to the committee.
const (
	deterministicThreshold = 0.80
	ambiguityMargin        = 0.10
)

func needsCommittee(mappings []contracts.ColumnMapping) bool {
	for _, m := range mappings {
		if m.ColumnID == "" || len(m.Candidates) == 0 {
			continue
		}
		if m.Candidates[0].Score < deterministicThreshold {
			return true
		}
		if len(m.Candidates) >= 2 &&
			m.Candidates[0].Score-m.Candidates[1].Score < ambiguityMargin {
			return true
		}
	}
	return false
}

// buildEvidencePack assembles the bounded committee input: headers, up to
// five samples per column, and distribution statistics. Never whole rows.
func buildEvidencePack(caseID string, cols []column, language string, now time.Time) *contracts.EvidencePack {
	pack := &contracts.EvidencePack{
		CaseID:           caseID,
		SampleValues:     make(map[string][]string, len(cols)),
		DetectedLanguage: language,
		Timestamp:        now,
	}
	for _, col := range cols {
		pack.CandidateHeaders = append(pack.CandidateHeaders, contracts.CandidateHeader{
			ColumnID: col.ID, Text: col.Header,
		})
		n := minInt(len(col.Samples), contracts.MaxSampleValues)
		pack.SampleValues[col.ID] = append([]string(nil), col.Samples[:n]...)

		stats := contracts.ColumnStats{ColumnID: col.ID, NonEmpty: len(col.Samples)}
		if len(col.Samples) > 0 {
			var numeric, digits, runes int
			for _, s := range col.Samples {
				if looksLikeNumber(s) {
					numeric++
				}
				for _, r := range s {
					runes++
					if r >= '0' && r <= '9' {
						digits++
					}
				}
			}
			stats.NumericRatio = float64(numeric) / float64(len(col.Samples))
			if runes > 0 {
				stats.DigitRatio = float64(digits) / float64(runes)
			}
			stats.AvgLength = float64(runes) / float64(len(col.Samples))
		}
		pack.ColumnStats = append(pack.ColumnStats, stats)
	}
	return pack
}
