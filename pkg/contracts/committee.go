package contracts

import "time"

// ProviderFamily identifies the vendor family of a committee member. Family
// diversity is enforced at selection time: no two members of the same family
// unless the pool cannot satisfy the count.
type ProviderFamily string

const (
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyDeepSeek  ProviderFamily = "deepseek"
	FamilyGoogle    ProviderFamily = "google"
	FamilyXAI       ProviderFamily = "xai"
)

// EvidencePack is the bounded input a committee provider receives. It never
// contains full workbook content, the customer database, or the catalog:
// only candidate headers, up to five sample values per column, and column
// statistics.
type EvidencePack struct {
	CaseID           string              `json:"case_id"`
	CandidateHeaders []CandidateHeader   `json:"candidate_headers"`
	SampleValues     map[string][]string `json:"sample_values"` // column id → ≤5 samples
	ColumnStats      []ColumnStats       `json:"column_stats"`
	DetectedLanguage string              `json:"detected_language"`
	Constraints      []string            `json:"constraints,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
}

// MaxSampleValues bounds the per-column samples included in an evidence pack.
const MaxSampleValues = 5

// CandidateHeader describes one header cell offered to the committee.
type CandidateHeader struct {
	ColumnID string `json:"column_id"` // e.g. "C", stable within the pack
	Text     string `json:"text"`
}

// ColumnStats summarizes the value distribution of one column.
type ColumnStats struct {
	ColumnID     string  `json:"column_id"`
	NonEmpty     int     `json:"non_empty"`
	NumericRatio float64 `json:"numeric_ratio"`
	DigitRatio   float64 `json:"digit_ratio"`
	AvgLength    float64 `json:"avg_length"`
}

// HasColumn reports whether the pack's candidate set contains the column id.
func (p *EvidencePack) HasColumn(id string) bool {
	for _, h := range p.CandidateHeaders {
		if h.ColumnID == id {
			return true
		}
	}
	return false
}

// ProviderMapping is one field decision from a single provider.
type ProviderMapping struct {
	Field            CanonicalField `json:"field"`
	SelectedColumnID *string        `json:"selectedColumnId"` // null = no column
	Confidence       float64        `json:"confidence"`
	Reasoning        string         `json:"reasoning,omitempty"`
}

// ProviderOutput is the strict-schema response of one committee member.
// Invariant: every SelectedColumnID appears in the input evidence pack.
type ProviderOutput struct {
	ProviderID        string            `json:"provider_id"`
	Family            ProviderFamily    `json:"family"`
	Mappings          []ProviderMapping `json:"mappings"`
	Issues            []string          `json:"issues,omitempty"`
	OverallConfidence float64           `json:"overallConfidence"`
	ProcessingTimeMs  int64             `json:"processingTimeMs"`

	// Failure is set instead of Mappings when the call or its schema
	// validation failed. Failed outputs are retained for the audit trail.
	Failure string `json:"failure,omitempty"`
}

// Succeeded reports whether this output counts toward min_successful.
func (o *ProviderOutput) Succeeded() bool { return o.Failure == "" }

// Consensus classifies committee agreement on a field.
type Consensus string

const (
	ConsensusUnanimous   Consensus = "unanimous"
	ConsensusMajority    Consensus = "majority"
	ConsensusSplit       Consensus = "split"
	ConsensusNoConsensus Consensus = "no_consensus"
)

// FieldVote is the aggregated tally for one canonical field.
type FieldVote struct {
	Field      CanonicalField     `json:"field"`
	Winner     *string            `json:"winner"` // column id or null
	Consensus  Consensus          `json:"consensus"`
	Margin     float64            `json:"margin"`
	Confidence float64            `json:"confidence"`
	AutoAccept bool               `json:"auto_accept"`
	Tallies    map[string]float64 `json:"tallies"` // choice key → weighted tally
}

// Disagreement records a field where providers did not converge.
type Disagreement struct {
	Field   CanonicalField    `json:"field"`
	Choices map[string]string `json:"choices"` // provider id → choice key
}

// CommitteeResult is the full product of one committee invocation.
type CommitteeResult struct {
	TaskID              string           `json:"task_id"`
	CaseID              string           `json:"case_id"`
	SelectedProviderIDs []string         `json:"selected_provider_ids"`
	DiversityDowngraded bool             `json:"diversity_downgraded,omitempty"`
	ProviderOutputs     []ProviderOutput `json:"provider_outputs"`
	FieldVotes          []FieldVote      `json:"field_votes"`
	OverallConfidence   float64          `json:"overall_confidence"`
	ConsensusClass      Consensus        `json:"consensus"`
	Disagreements       []Disagreement   `json:"disagreements,omitempty"`
	FinalMappings       []ColumnMapping  `json:"final_mappings"`
	RequiresHumanReview bool             `json:"requires_human_review"`
	CompletedAt         time.Time        `json:"completed_at"`
}
