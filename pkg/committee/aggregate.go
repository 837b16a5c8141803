package committee

import (
	"sort"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// aggregate computes the verdict from the usable subset of outputs. It is
// deterministic in the set of usable responses and the calibrated weights;
// arrival order never matters because outputs arrive pre-sorted.
func (c *Committee) aggregate(pack contracts.EvidencePack, outputs []contracts.CommitteeOutput) *contracts.CommitteeVerdict {
	verdict := &contracts.CommitteeVerdict{
		CaseID:    pack.CaseID,
		Round:     pack.Round,
		DecidedAt: c.clock().UTC(),
	}

	var usable []contracts.CommitteeOutput
	for _, out := range outputs {
		if out.Usable {
			usable = append(usable, out)
		}
	}
	verdict.UsableResponses = len(usable)

	if len(usable) < c.opts.MinUsable {
		verdict.Consensus = contracts.ConsensusNoConsensus
		verdict.NeedsHuman = true
		return verdict
	}

	var confidenceSum float64
	for _, out := range usable {
		confidenceSum += out.Response.OverallConfidence
	}
	verdict.OverallConfidence = confidenceSum / float64(len(usable))

	allUnanimous := true
	allMajority := true
	criticalDissent := false
	strongDissent := false
	marginBelowThreshold := false

	for _, field := range pack.ExpectedFields {
		decision, disagreement := c.decideField(field, usable)
		verdict.Decisions = append(verdict.Decisions, decision)

		if decision.Dissent {
			allUnanimous = false
			if disagreement != nil {
				verdict.Disagreements = append(verdict.Disagreements, *disagreement)
			}
			if contracts.CriticalFields[field] {
				criticalDissent = true
			}
			// Dissent strength is the strongest losing column's vote total.
			if decision.WinningStrength-decision.Margin > c.opts.DissentStrengthMin {
				strongDissent = true
			}
		}
		if decision.VoterCount*2 <= len(usable) {
			allMajority = false
		}
		// The margin check only applies to contested fields; an uncontested
		// field has no runner-up and its margin is zero by definition.
		if decision.Dissent && decision.Margin < c.opts.MarginThreshold {
			marginBelowThreshold = true
		}
	}

	switch {
	case !allMajority:
		verdict.Consensus = contracts.ConsensusNoConsensus
	case allUnanimous:
		verdict.Consensus = contracts.ConsensusUnanimous
	case criticalDissent || strongDissent:
		verdict.Consensus = contracts.ConsensusSplit
	default:
		verdict.Consensus = contracts.ConsensusMajority
	}

	verdict.NeedsHuman = verdict.Consensus == contracts.ConsensusSplit ||
		verdict.Consensus == contracts.ConsensusNoConsensus ||
		marginBelowThreshold ||
		verdict.OverallConfidence < c.opts.ConfidenceThreshold ||
		criticalDissent
	return verdict
}

// decideField runs the weighted vote for one field. Vote strength per column
// is Σ(provider weight × that provider's confidence for the field); the
// winner is the maximum, ties broken by column id for determinism.
func (c *Committee) decideField(field string, usable []contracts.CommitteeOutput) (contracts.FieldDecision, *contracts.Disagreement) {
	strength := make(map[string]float64)
	votesByModel := make(map[string]string)

	for _, out := range usable {
		for _, m := range out.Response.Mappings {
			if m.Field != field {
				continue
			}
			strength[m.SelectedColumnID] += out.Weight * m.Confidence
			votesByModel[out.ProviderID] = m.SelectedColumnID
			break
		}
	}

	columns := make([]string, 0, len(strength))
	for col := range strength {
		columns = append(columns, col)
	}
	sort.Slice(columns, func(i, j int) bool {
		if strength[columns[i]] != strength[columns[j]] {
			return strength[columns[i]] > strength[columns[j]]
		}
		return columns[i] < columns[j]
	})

	decision := contracts.FieldDecision{Field: field}
	if len(columns) == 0 {
		return decision, nil
	}

	winner := columns[0]
	decision.WinningColumnID = winner
	decision.WinningStrength = strength[winner]
	// Margin is zero when no runner-up exists.
	if len(columns) > 1 {
		decision.Margin = strength[winner] - strength[columns[1]]
	}

	for _, out := range usable {
		if votesByModel[out.ProviderID] == winner {
			decision.VoterCount++
		}
	}
	decision.Dissent = decision.VoterCount < len(votesByModel)

	if !decision.Dissent {
		return decision, nil
	}
	return decision, &contracts.Disagreement{
		Field:           field,
		CompetingValues: columns,
		VotesByModel:    votesByModel,
	}
}
