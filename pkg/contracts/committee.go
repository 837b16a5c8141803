package contracts

import "time"

// Consensus classifies a committee verdict over all fields.
type Consensus string

const (
	ConsensusUnanimous   Consensus = "unanimous"
	ConsensusMajority    Consensus = "majority"
	ConsensusSplit       Consensus = "split"
	ConsensusNoConsensus Consensus = "no_consensus"
)

// CriticalFields are the canonical fields whose dissent always forces a human.
var CriticalFields = map[string]bool{
	"customer": true,
	"sku":      true,
	"gtin":     true,
}

// CandidateColumn describes one column the committee may map a field to.
type CandidateColumn struct {
	ColumnID     string   `json:"column_id"`
	Header       string   `json:"header"`
	SampleValues []string `json:"sample_values"` // at most the configured cap, pre-redacted
	NonEmpty     int      `json:"non_empty"`
	Numeric      int      `json:"numeric"`
}

// EvidencePack is the material each committee provider receives. Identical
// across providers within one invocation.
type EvidencePack struct {
	CaseID         string            `json:"case_id"`
	Round          int               `json:"round"`
	Candidates     []CandidateColumn `json:"candidates"`
	ExpectedFields []string          `json:"expected_fields"`
	Language       string            `json:"language"`
	Constraints    []string          `json:"constraints,omitempty"`
}

// FieldMapping is one provider's decision for one canonical field.
type FieldMapping struct {
	Field            string  `json:"field"`
	SelectedColumnID string  `json:"selectedColumnId"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

// CommitteeResponse is the schema each provider's JSON must satisfy.
type CommitteeResponse struct {
	Mappings          []FieldMapping `json:"mappings"`
	Issues            []string       `json:"issues"`
	OverallConfidence float64        `json:"overallConfidence"`
}

// CommitteeOutput records one provider's participation in an invocation.
type CommitteeOutput struct {
	ProviderID  string             `json:"provider_id"`
	Family      string             `json:"family"`
	PromptHash  string             `json:"prompt_hash"`
	Response    *CommitteeResponse `json:"response,omitempty"`
	RawResponse string             `json:"raw_response,omitempty"`
	Weight      float64            `json:"weight"`
	LatencyMS   int64              `json:"latency_ms"`
	Usable      bool               `json:"usable"`
	FailureCode string             `json:"failure_code,omitempty"`
}

// FieldDecision is the aggregated winner for one field.
type FieldDecision struct {
	Field           string  `json:"field"`
	WinningColumnID string  `json:"winning_column_id"`
	WinningStrength float64 `json:"winning_strength"`
	Margin          float64 `json:"margin"`
	VoterCount      int     `json:"voter_count"`
	Dissent         bool    `json:"dissent"`
}

// Disagreement lists the competing values for one contested field.
type Disagreement struct {
	Field           string            `json:"field"`
	CompetingValues []string          `json:"competing_values"`
	VotesByModel    map[string]string `json:"votes_by_model"` // provider id → column id
}

// CommitteeVerdict is the aggregation outcome of one committee invocation.
type CommitteeVerdict struct {
	CaseID            string          `json:"case_id"`
	Round             int             `json:"round"`
	Consensus         Consensus       `json:"consensus"`
	Decisions         []FieldDecision `json:"decisions"`
	Disagreements     []Disagreement  `json:"disagreements"`
	NeedsHuman        bool            `json:"needs_human"`
	OverallConfidence float64         `json:"overall_confidence"`
	UsableResponses   int             `json:"usable_responses"`
	DecidedAt         time.Time       `json:"decided_at"`
}

// Summary compacts the verdict for the case record.
func (v *CommitteeVerdict) Summary(verdictPath string) *VerdictSummary {
	return &VerdictSummary{
		Consensus:         v.Consensus,
		NeedsHuman:        v.NeedsHuman,
		OverallConfidence: v.OverallConfidence,
		DisagreementCount: len(v.Disagreements),
		VerdictPath:       verdictPath,
	}
}
