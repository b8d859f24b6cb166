package committee

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

const systemPrompt = `You map spreadsheet columns of a purchase order to canonical fields.
You will receive candidate headers, up to five sample values per column, and
column statistics. You never receive whole rows, customer data, or catalogs.

Answer with a single JSON object and nothing else:
{
  "mappings": [
    {"field": "<canonical field>", "selectedColumnId": "<column id or null>", "confidence": <0..1>, "reasoning": "<short>"}
  ],
  "issues": ["<optional observations>"],
  "overallConfidence": <0..1>
}

Rules:
- field must be one of: %s
- selectedColumnId must be one of the offered column ids, or null when no
  column fits the field
- emit at most one mapping per field
- headers may be in English or Persian`

// buildPrompt renders the system and user messages for one evidence pack.
// The pack is embedded as JSON so every provider sees identical input.
func buildPrompt(pack *contracts.EvidencePack) (system, user string, err error) {
	fields := make([]string, len(contracts.AllFields))
	for i, f := range contracts.AllFields {
		fields[i] = string(f)
	}
	system = fmt.Sprintf(systemPrompt, strings.Join(fields, ", "))

	packJSON, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("committee: marshal evidence pack: %w", err)
	}
	user = "Evidence pack:\n" + string(packJSON)
	return system, user, nil
}
