package committee

import (
	"fmt"
	"strings"

	"github.com/orderpilot/orderpilot/pkg/contracts"
)

// BuildPrompt renders the evidence pack into the provider prompt. Prompts
// are language-aware: Hebrew sheets get the right-to-left variant, anything
// else gets English. The pack is identical across providers, so the prompt
// is too — the prompt hash recorded per provider proves it.
func BuildPrompt(pack contracts.EvidencePack) string {
	var b strings.Builder

	if pack.Language == "he" {
		b.WriteString("המשימה: מפה כל שדה קנוני לעמודה המתאימה בגיליון.\n")
		b.WriteString("הטבלה נקראת מימין לשמאל. השב אך ורק ב-JSON באנגלית לפי הסכמה.\n\n")
	} else {
		b.WriteString("Task: map each canonical order field to the spreadsheet column that carries it.\n")
		b.WriteString("Respond with JSON only, following the response schema exactly.\n\n")
	}

	b.WriteString("Expected fields: ")
	b.WriteString(strings.Join(pack.ExpectedFields, ", "))
	b.WriteString("\n\nCandidate columns:\n")
	for _, col := range pack.Candidates {
		fmt.Fprintf(&b, "- %s: header=%q non_empty=%d numeric=%d samples=%s\n",
			col.ColumnID, col.Header, col.NonEmpty, col.Numeric,
			strings.Join(col.SampleValues, " | "))
	}

	if len(pack.Constraints) > 0 {
		b.WriteString("\nHard constraints:\n")
		for _, c := range pack.Constraints {
			b.WriteString("- " + c + "\n")
		}
	}

	b.WriteString(`
Response schema:
{
  "mappings": [{"field": "...", "selectedColumnId": "...", "confidence": 0.0, "reasoning": "..."}],
  "issues": ["..."],
  "overallConfidence": 0.0
}
Only use column ids from the candidate list. Cover every expected field.
`)
	return b.String()
}
