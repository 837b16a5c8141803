package committee

import (
	"github.com/orderpilot/orderpilot/pkg/contracts"
	"github.com/orderpilot/orderpilot/pkg/redact"
)

// BuildEvidencePack normalizes raw column candidates into the pack every
// provider receives: sample values are capped and secret-looking values are
// dropped entirely (the same filter the event log scrubs with).
func BuildEvidencePack(caseID string, round int, candidates []contracts.CandidateColumn, expectedFields []string, language string, constraints []string, sampleCap int, filter *redact.Filter) contracts.EvidencePack {
	if sampleCap <= 0 {
		sampleCap = 5
	}
	if filter == nil {
		filter = redact.NewFilter()
	}

	capped := make([]contracts.CandidateColumn, len(candidates))
	for i, col := range candidates {
		out := col
		out.SampleValues = nil
		for _, v := range col.SampleValues {
			if len(out.SampleValues) == sampleCap {
				break
			}
			if filter.Looks(v) {
				continue
			}
			out.SampleValues = append(out.SampleValues, v)
		}
		capped[i] = out
	}

	return contracts.EvidencePack{
		CaseID:         caseID,
		Round:          round,
		Candidates:     capped,
		ExpectedFields: expectedFields,
		Language:       language,
		Constraints:    constraints,
	}
}
