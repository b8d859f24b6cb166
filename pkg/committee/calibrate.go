package committee

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// GoldenSample is one labeled workbook in the calibration set: the evidence
// pack shown to providers plus the human-verified column per field. Fields
// the workbook does not carry are simply absent from Expected.
type GoldenSample struct {
	Name     string                              `json:"name"`
	Pack     contracts.EvidencePack              `json:"pack"`
	Expected map[contracts.CanonicalField]string `json:"expected"`
}

// LoadGoldenSet reads labeled calibration samples from a JSON file.
func LoadGoldenSet(path string) ([]GoldenSample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("committee: read golden set: %w", err)
	}
	var samples []GoldenSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("committee: parse golden set: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("committee: golden set %s holds no samples", path)
	}
	for i, s := range samples {
		if len(s.Expected) == 0 {
			return nil, fmt.Errorf("committee: golden sample %d (%s) has no expected mappings", i, s.Name)
		}
	}
	return samples, nil
}

// Accuracy is one provider's score over a golden set.
type Accuracy struct {
	ProviderID string
	Correct    int
	Total      int
	// Failures counts calls that errored or failed schema validation.
	// Their fields score as misses.
	Failures int
}

// Rate returns the per-field accuracy in [0,1].
func (a Accuracy) Rate() float64 {
	if a.Total == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Total)
}

// Evaluate runs one provider over the golden set and scores it field by
// field. Calibration is offline and sequential; samples are asked one at a
// time so a provider's own rate limits stay out of the measurement.
func Evaluate(ctx context.Context, p Provider, samples []GoldenSample, timeout time.Duration) Accuracy {
	acc := Accuracy{ProviderID: p.ID()}
	for i := range samples {
		sample := &samples[i]
		acc.Total += len(sample.Expected)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		raw, err := p.Propose(callCtx, &sample.Pack)
		cancel()
		if err != nil {
			acc.Failures++
			continue
		}
		out, err := decodeOutput(raw, &sample.Pack)
		if err != nil {
			acc.Failures++
			continue
		}

		got := make(map[contracts.CanonicalField]string, len(out.Mappings))
		for _, m := range out.Mappings {
			if m.SelectedColumnID != nil {
				got[m.Field] = *m.SelectedColumnID
			}
		}
		for field, want := range sample.Expected {
			if got[field] == want {
				acc.Correct++
			}
		}
	}
	return acc
}
