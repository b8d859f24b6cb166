package committee

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// outputSchema is the strict contract every provider response must satisfy
// before its votes count. Unknown keys are rejected.
const outputSchema = `{
  "type": "object",
  "required": ["mappings", "overallConfidence"],
  "additionalProperties": false,
  "properties": {
    "mappings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "selectedColumnId", "confidence"],
        "additionalProperties": false,
        "properties": {
          "field": {
            "type": "string",
            "enum": ["customer_name", "sku", "gtin", "product_name", "quantity", "unit_price", "line_total", "currency", "date"]
          },
          "selectedColumnId": {"type": ["string", "null"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    },
    "issues": {"type": "array", "items": {"type": "string"}},
    "overallConfidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var compiledOutputSchema = jsonschema.MustCompileString("provider_output.json", outputSchema)

// rawProviderOutput mirrors the wire shape of a provider answer.
type rawProviderOutput struct {
	Mappings []struct {
		Field            string  `json:"field"`
		SelectedColumnID *string `json:"selectedColumnId"`
		Confidence       float64 `json:"confidence"`
		Reasoning        string  `json:"reasoning"`
	} `json:"mappings"`
	Issues            []string `json:"issues"`
	OverallConfidence float64  `json:"overallConfidence"`
}

// decodeOutput validates a provider's raw answer against the schema and the
// evidence pack. Every selected column must exist in the pack; a response
// naming an unknown column is rejected whole, not trimmed.
func decodeOutput(raw string, pack *contracts.EvidencePack) (*contracts.ProviderOutput, error) {
	raw = stripFences(raw)

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("response is not JSON: %w", err)
	}
	if err := compiledOutputSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var parsed rawProviderOutput
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := &contracts.ProviderOutput{
		Issues:            parsed.Issues,
		OverallConfidence: parsed.OverallConfidence,
	}
	seen := make(map[contracts.CanonicalField]bool)
	for _, m := range parsed.Mappings {
		field := contracts.CanonicalField(m.Field)
		if seen[field] {
			return nil, fmt.Errorf("duplicate mapping for field %s", field)
		}
		seen[field] = true
		if m.SelectedColumnID != nil && !pack.HasColumn(*m.SelectedColumnID) {
			return nil, fmt.Errorf("field %s selects column %q not present in the evidence pack", field, *m.SelectedColumnID)
		}
		out.Mappings = append(out.Mappings, contracts.ProviderMapping{
			Field:            field,
			SelectedColumnID: m.SelectedColumnID,
			Confidence:       m.Confidence,
			Reasoning:        m.Reasoning,
		})
	}
	return out, nil
}

// stripFences tolerates models that wrap JSON in a markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
