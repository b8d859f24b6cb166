package committee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

func testThresholds() VoteThresholds {
	return VoteThresholds{UnanimousAccept: 0.75, MajorityAccept: 0.85, MajorityMargin: 0.25}
}

// ballotFor builds a successful provider output voting one choice per field.
// An empty column id stands for an explicit null vote.
func ballotFor(providerID string, confidence float64, choices map[contracts.CanonicalField]string) contracts.ProviderOutput {
	out := contracts.ProviderOutput{ProviderID: providerID, Family: contracts.FamilyOpenAI}
	for _, field := range contracts.AllFields {
		col, ok := choices[field]
		if !ok {
			continue
		}
		m := contracts.ProviderMapping{Field: field, Confidence: confidence}
		if col != "" {
			c := col
			m.SelectedColumnID = &c
		}
		out.Mappings = append(out.Mappings, m)
	}
	return out
}

func equalWeights(ids ...string) map[string]float64 {
	w := make(map[string]float64, len(ids))
	for _, id := range ids {
		w[id] = 1.0 / float64(len(ids))
	}
	return w
}

func voteFor(t *testing.T, votes []contracts.FieldVote, field contracts.CanonicalField) contracts.FieldVote {
	t.Helper()
	for _, v := range votes {
		if v.Field == field {
			return v
		}
	}
	t.Fatalf("no vote for field %s", field)
	return contracts.FieldVote{}
}

func TestTallyUnanimousAutoAccepts(t *testing.T) {
	choices := map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, choices),
		ballotFor("p2", 0.85, choices),
		ballotFor("p3", 0.95, choices),
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldSKU)

	assert.Equal(t, contracts.ConsensusUnanimous, v.Consensus)
	require.NotNil(t, v.Winner)
	assert.Equal(t, "B", *v.Winner)
	assert.True(t, v.AutoAccept)
	assert.InDelta(t, 0.9, v.Confidence, 0.01)
}

func TestTallyMajorityOnNonCriticalField(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, map[contracts.CanonicalField]string{contracts.FieldQuantity: "C"}),
		ballotFor("p2", 0.9, map[contracts.CanonicalField]string{contracts.FieldQuantity: "C"}),
		ballotFor("p3", 0.4, map[contracts.CanonicalField]string{contracts.FieldQuantity: "D"}),
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldQuantity)

	assert.Equal(t, contracts.ConsensusMajority, v.Consensus)
	require.NotNil(t, v.Winner)
	assert.Equal(t, "C", *v.Winner)
	assert.True(t, v.AutoAccept, "quantity is not critical, majority at 0.9 accepts")
}

func TestTallyCriticalFieldMajorityNeverAutoAccepts(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.95, map[contracts.CanonicalField]string{contracts.FieldCustomerName: "A"}),
		ballotFor("p2", 0.95, map[contracts.CanonicalField]string{contracts.FieldCustomerName: "A"}),
		ballotFor("p3", 0.4, map[contracts.CanonicalField]string{contracts.FieldCustomerName: "B"}),
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldCustomerName)

	assert.Equal(t, contracts.ConsensusMajority, v.Consensus)
	assert.False(t, v.AutoAccept)
}

func TestTallyThreeWaySplitHasNoConsensus(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.8, map[contracts.CanonicalField]string{contracts.FieldGTIN: "A"}),
		ballotFor("p2", 0.8, map[contracts.CanonicalField]string{contracts.FieldGTIN: "B"}),
		ballotFor("p3", 0.8, map[contracts.CanonicalField]string{contracts.FieldGTIN: "C"}),
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldGTIN)

	assert.Equal(t, contracts.ConsensusNoConsensus, v.Consensus)
	assert.False(t, v.AutoAccept)
}

func TestTallyAbstentionBreaksUnanimity(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}),
		ballotFor("p2", 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}),
		ballotFor("p3", 0.9, nil), // no vote on sku at all
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldSKU)

	assert.NotEqual(t, contracts.ConsensusUnanimous, v.Consensus)
}

func TestTallyUnanimousNullVoteHasNoWinnerColumn(t *testing.T) {
	choices := map[contracts.CanonicalField]string{contracts.FieldDate: ""}
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, choices),
		ballotFor("p2", 0.9, choices),
		ballotFor("p3", 0.9, choices),
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldDate)

	assert.Equal(t, contracts.ConsensusUnanimous, v.Consensus)
	assert.Nil(t, v.Winner, "a unanimous null vote maps nothing")
}

func TestTallyWeightsDecideCloseVotes(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("heavy", 0.8, map[contracts.CanonicalField]string{contracts.FieldUnitPrice: "D"}),
		ballotFor("light1", 0.8, map[contracts.CanonicalField]string{contracts.FieldUnitPrice: "E"}),
		ballotFor("light2", 0.8, map[contracts.CanonicalField]string{contracts.FieldUnitPrice: "E"}),
	}
	weights := map[string]float64{"heavy": 0.8, "light1": 0.1, "light2": 0.1}

	votes := tally(outputs, weights, testThresholds())
	v := voteFor(t, votes, contracts.FieldUnitPrice)

	require.NotNil(t, v.Winner)
	assert.Equal(t, "D", *v.Winner, "the calibrated heavyweight outvotes two lightweights")
}

func TestTallyFailedOutputsDoNotVote(t *testing.T) {
	failed := contracts.ProviderOutput{ProviderID: "p3", Failure: "status 500"}
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}),
		ballotFor("p2", 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}),
		failed,
	}

	votes := tally(outputs, equalWeights("p1", "p2", "p3"), testThresholds())
	v := voteFor(t, votes, contracts.FieldSKU)

	// Both remaining voters agree and both remaining voters are all of the
	// successful outputs, so the field is still unanimous.
	assert.Equal(t, contracts.ConsensusUnanimous, v.Consensus)
}

func TestTallyConsensusFractionRaisesMajorityBar(t *testing.T) {
	outputs := []contracts.ProviderOutput{
		ballotFor("p1", 0.9, map[contracts.CanonicalField]string{contracts.FieldQuantity: "C"}),
		ballotFor("p2", 0.9, map[contracts.CanonicalField]string{contracts.FieldQuantity: "C"}),
		ballotFor("p3", 0.4, map[contracts.CanonicalField]string{contracts.FieldQuantity: "D"}),
	}

	// Two of three clears the default two-thirds bar but not a 0.75 one.
	strict := testThresholds()
	strict.ConsensusFraction = 0.75

	v := voteFor(t, tally(outputs, equalWeights("p1", "p2", "p3"), strict), contracts.FieldQuantity)
	assert.Equal(t, contracts.ConsensusSplit, v.Consensus)

	relaxed := testThresholds()
	relaxed.ConsensusFraction = 0.6
	v = voteFor(t, tally(outputs, equalWeights("p1", "p2", "p3"), relaxed), contracts.FieldQuantity)
	assert.Equal(t, contracts.ConsensusMajority, v.Consensus)
}

func TestCalibrateWeight(t *testing.T) {
	assert.InDelta(t, 0.5, CalibrateWeight(0.5), 1e-9)
	assert.Greater(t, CalibrateWeight(0.9), CalibrateWeight(0.6))
	assert.Greater(t, CalibrateWeight(0.95), 0.98)
	assert.Less(t, CalibrateWeight(0.1), 0.02)
}

func TestNormalizeWeights(t *testing.T) {
	out := NormalizeWeights(map[string]float64{"a": 3, "b": 1}, []string{"a", "b", "c"}, 0.1)

	// c is missing from the calibration and gets the 0.5 default before
	// normalization; everyone lands at or above the floor.
	assert.Greater(t, out["a"], out["b"])
	assert.GreaterOrEqual(t, out["c"], 0.1)
	for id, w := range out {
		assert.GreaterOrEqual(t, w, 0.1, "weight of %s under floor", id)
	}
}
