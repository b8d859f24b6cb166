package committee

import (
	"math"
	"sort"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// nullChoice is the tally key for an explicit "no column fits" vote.
const nullChoice = "null"

// VoteThresholds are the acceptance knobs applied per field.
type VoteThresholds struct {
	// UnanimousAccept is the minimum weighted confidence for auto-accepting
	// a unanimous field.
	UnanimousAccept float64
	// MajorityAccept is the minimum weighted confidence for auto-accepting
	// a majority field.
	MajorityAccept float64
	// MajorityMargin is the minimum normalized tally lead for a majority.
	MajorityMargin float64
	// ConsensusFraction is the vote share a winner needs to grade as a
	// majority. Zero means the default two thirds.
	ConsensusFraction float64
}

// tally aggregates successful provider outputs into per-field votes.
// Each vote is worth weight(provider) x confidence(mapping); a provider that
// emits no mapping for a field abstains on that field.
func tally(outputs []contracts.ProviderOutput, weights map[string]float64, th VoteThresholds) []contracts.FieldVote {
	type ballot struct {
		provider   string
		choice     string
		confidence float64
		weight     float64
	}
	byField := make(map[contracts.CanonicalField][]ballot)
	var successful int
	for _, o := range outputs {
		if !o.Succeeded() {
			continue
		}
		successful++
		w := weights[o.ProviderID]
		for _, m := range o.Mappings {
			choice := nullChoice
			if m.SelectedColumnID != nil {
				choice = *m.SelectedColumnID
			}
			byField[m.Field] = append(byField[m.Field], ballot{
				provider: o.ProviderID, choice: choice, confidence: m.Confidence, weight: w,
			})
		}
	}

	votes := make([]contracts.FieldVote, 0, len(byField))
	for _, field := range contracts.AllFields {
		ballots := byField[field]
		if len(ballots) == 0 {
			continue
		}

		tallies := make(map[string]float64)
		counts := make(map[string]int)
		var total float64
		for _, b := range ballots {
			tallies[b.choice] += b.weight * b.confidence
			counts[b.choice]++
			total += b.weight * b.confidence
		}

		winner, runnerUp := topTwo(tallies)
		margin := 0.0
		if total > 0 {
			margin = (tallies[winner] - tallies[runnerUp]) / total
		}

		var winnerWeight, winnerConfidence float64
		for _, b := range ballots {
			if b.choice == winner {
				winnerWeight += b.weight
				winnerConfidence += b.weight * b.confidence
			}
		}
		if winnerWeight > 0 {
			winnerConfidence /= winnerWeight
		}

		vote := contracts.FieldVote{
			Field:      field,
			Consensus:  classify(counts[winner], len(ballots), successful, len(counts), margin, th),
			Margin:     margin,
			Confidence: winnerConfidence,
			Tallies:    tallies,
		}
		if winner != nullChoice {
			w := winner
			vote.Winner = &w
		}
		vote.AutoAccept = autoAccept(field, vote, th)
		votes = append(votes, vote)
	}
	return votes
}

func topTwo(tallies map[string]float64) (winner, runnerUp string) {
	keys := make([]string, 0, len(tallies))
	for k := range tallies {
		keys = append(keys, k)
	}
	// Ties break lexicographically so replays reproduce the same winner.
	sort.Slice(keys, func(i, j int) bool {
		if tallies[keys[i]] != tallies[keys[j]] {
			return tallies[keys[i]] > tallies[keys[j]]
		}
		return keys[i] < keys[j]
	})
	winner = keys[0]
	if len(keys) > 1 {
		runnerUp = keys[1]
	}
	return winner, runnerUp
}

// classify grades agreement on one field. Unanimity requires every successful
// provider to have voted for the winner, not just every voter; an abstention
// breaks unanimity.
func classify(winnerVotes, voters, successful, choices int, margin float64, th VoteThresholds) contracts.Consensus {
	if winnerVotes == voters && voters == successful && choices == 1 {
		return contracts.ConsensusUnanimous
	}
	fraction := th.ConsensusFraction
	if fraction <= 0 {
		fraction = 2.0 / 3.0
	}
	need := int(math.Ceil(fraction * float64(voters)))
	if winnerVotes >= need && margin >= th.MajorityMargin {
		return contracts.ConsensusMajority
	}
	if winnerVotes > voters-winnerVotes || winnerVotes >= need {
		return contracts.ConsensusSplit
	}
	return contracts.ConsensusNoConsensus
}

// autoAccept applies the acceptance thresholds. Critical fields never
// auto-accept below unanimity.
func autoAccept(field contracts.CanonicalField, v contracts.FieldVote, th VoteThresholds) bool {
	switch v.Consensus {
	case contracts.ConsensusUnanimous:
		return v.Confidence >= th.UnanimousAccept
	case contracts.ConsensusMajority:
		if contracts.CriticalFields[field] {
			return false
		}
		return v.Confidence >= th.MajorityAccept
	default:
		return false
	}
}

// assemble turns field votes into the committee result: final mappings for
// accepted winners, disagreements for everything contested, and the overall
// grade, which is the worst per-field consensus.
func assemble(taskID, caseID string, pack *contracts.EvidencePack, members []Provider, downgraded bool,
	outputs []contracts.ProviderOutput, votes []contracts.FieldVote, now time.Time) *contracts.CommitteeResult {

	result := &contracts.CommitteeResult{
		TaskID:              taskID,
		CaseID:              caseID,
		DiversityDowngraded: downgraded,
		ProviderOutputs:     outputs,
		FieldVotes:          votes,
		ConsensusClass:      contracts.ConsensusUnanimous,
		CompletedAt:         now,
	}
	for _, m := range members {
		result.SelectedProviderIDs = append(result.SelectedProviderIDs, m.ID())
	}

	headers := make(map[string]string, len(pack.CandidateHeaders))
	for _, h := range pack.CandidateHeaders {
		headers[h.ColumnID] = h.Text
	}

	var confidenceSum float64
	for _, v := range votes {
		confidenceSum += v.Confidence
		if consensusRank(v.Consensus) > consensusRank(result.ConsensusClass) {
			result.ConsensusClass = v.Consensus
		}
		if !v.AutoAccept {
			result.RequiresHumanReview = true
		}
		if v.Winner != nil {
			result.FinalMappings = append(result.FinalMappings, contracts.ColumnMapping{
				Field:      v.Field,
				ColumnID:   *v.Winner,
				Header:     headers[*v.Winner],
				Confidence: v.Confidence,
				Method:     contracts.MethodCommittee,
			})
		}
		if v.Consensus != contracts.ConsensusUnanimous {
			result.Disagreements = append(result.Disagreements, disagreementFor(v.Field, outputs))
		}
	}
	if len(votes) > 0 {
		result.OverallConfidence = confidenceSum / float64(len(votes))
	}
	if len(votes) == 0 {
		result.ConsensusClass = contracts.ConsensusNoConsensus
		result.RequiresHumanReview = true
	}
	return result
}

func consensusRank(c contracts.Consensus) int {
	switch c {
	case contracts.ConsensusUnanimous:
		return 0
	case contracts.ConsensusMajority:
		return 1
	case contracts.ConsensusSplit:
		return 2
	default:
		return 3
	}
}

func disagreementFor(field contracts.CanonicalField, outputs []contracts.ProviderOutput) contracts.Disagreement {
	d := contracts.Disagreement{Field: field, Choices: make(map[string]string)}
	for _, o := range outputs {
		if !o.Succeeded() {
			continue
		}
		for _, m := range o.Mappings {
			if m.Field != field {
				continue
			}
			if m.SelectedColumnID != nil {
				d.Choices[o.ProviderID] = *m.SelectedColumnID
			} else {
				d.Choices[o.ProviderID] = nullChoice
			}
		}
	}
	return d
}
