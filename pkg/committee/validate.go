package committee

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// responseSchema is the JSON Schema every provider response must satisfy
// before it participates in the vote.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["mappings", "issues", "overallConfidence"],
  "properties": {
    "mappings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "selectedColumnId", "confidence", "reasoning"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "selectedColumnId": {"type": "string", "minLength": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    },
    "issues": {"type": "array", "items": {"type": "string"}},
    "overallConfidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func compileResponseSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("committee-response.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("committee: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("committee-response.json")
	if err != nil {
		return nil, fmt.Errorf("committee: compile schema: %w", err)
	}
	return schema, nil
}

// validateResponse turns a raw provider reply into a usable CommitteeResponse
// or a failure code. Models occasionally wrap JSON in prose or emit trailing
// commas; a repair pass runs before parsing.
func validateResponse(schema *jsonschema.Schema, raw string, pack contracts.EvidencePack) (*contracts.CommitteeResponse, string) {
	repaired, err := jsonrepair.RepairJSON(raw)
	if err != nil {
		return nil, "unparsable_json"
	}

	var doc any
	if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
		return nil, "unparsable_json"
	}
	if err := schema.Validate(doc); err != nil {
		return nil, "schema_invalid"
	}

	var resp contracts.CommitteeResponse
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return nil, "schema_invalid"
	}

	known := make(map[string]bool, len(pack.Candidates))
	for _, col := range pack.Candidates {
		known[col.ColumnID] = true
	}
	covered := make(map[string]bool, len(resp.Mappings))
	for _, m := range resp.Mappings {
		if !known[m.SelectedColumnID] {
			return nil, "unknown_column_id"
		}
		covered[m.Field] = true
	}
	for _, f := range pack.ExpectedFields {
		if !covered[f] {
			return nil, "missing_field_coverage"
		}
	}
	return &resp, ""
}
