package committee

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

func goldenSamples(t *testing.T) []GoldenSample {
	t.Helper()
	return []GoldenSample{
		{
			Name: "clean-english",
			Pack: *testPack(),
			Expected: map[contracts.CanonicalField]string{
				contracts.FieldCustomerName: "A",
				contracts.FieldSKU:          "B",
			},
		},
		{
			Name: "quantities",
			Pack: *testPack(),
			Expected: map[contracts.CanonicalField]string{
				contracts.FieldSKU:      "B",
				contracts.FieldQuantity: "C",
			},
		},
	}
}

func TestEvaluateScoresPerField(t *testing.T) {
	samples := goldenSamples(t)

	// Always answers customer=A, sku=B: 2/2 on the first sample, 1/2 on
	// the second (quantity never proposed).
	p := &stubProvider{id: "openai-a", family: contracts.FamilyOpenAI,
		response: answerJSON(t, 0.9, map[contracts.CanonicalField]string{
			contracts.FieldCustomerName: "A",
			contracts.FieldSKU:          "B",
		})}

	acc := Evaluate(context.Background(), p, samples, time.Second)

	assert.Equal(t, "openai-a", acc.ProviderID)
	assert.Equal(t, 4, acc.Total)
	assert.Equal(t, 3, acc.Correct)
	assert.Equal(t, 0, acc.Failures)
	assert.InDelta(t, 0.75, acc.Rate(), 1e-9)
}

func TestEvaluateCountsFailedCallsAsMisses(t *testing.T) {
	samples := goldenSamples(t)

	p := &stubProvider{id: "xai-a", family: contracts.FamilyXAI, err: errors.New("status 503")}
	acc := Evaluate(context.Background(), p, samples, time.Second)
	assert.Equal(t, 2, acc.Failures)
	assert.Equal(t, 0, acc.Correct)
	assert.Equal(t, 4, acc.Total)
	assert.Zero(t, acc.Rate())

	// Schema-invalid answers count the same as transport failures.
	p = &stubProvider{id: "xai-b", family: contracts.FamilyXAI, response: "not json"}
	acc = Evaluate(context.Background(), p, samples, time.Second)
	assert.Equal(t, 2, acc.Failures)
	assert.Zero(t, acc.Correct)
}

func TestLoadGoldenSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "golden.json")

	raw, err := json.Marshal(goldenSamples(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	samples, err := LoadGoldenSet(path)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, "clean-english", samples[0].Name)
	assert.Equal(t, "A", samples[0].Expected[contracts.FieldCustomerName])

	_, err = LoadGoldenSet(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[]"), 0o600))
	_, err = LoadGoldenSet(path)
	assert.ErrorContains(t, err, "no samples")

	unlabeled, err := json.Marshal([]GoldenSample{{Name: "bare", Pack: *testPack()}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, unlabeled, 0o600))
	_, err = LoadGoldenSet(path)
	assert.ErrorContains(t, err, "no expected mappings")
}

func TestSavePoolConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "committee.yaml")

	cfg := &PoolConfig{
		Providers: []ProviderConfig{
			{ID: "openai-a", Family: contracts.FamilyOpenAI, Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY"},
			{ID: "deepseek-a", Family: contracts.FamilyDeepSeek, Model: "deepseek-chat", APIKeyEnv: "DEEPSEEK_API_KEY"},
		},
		Weights:      map[string]float64{"openai-a": 0.6, "deepseek-a": 0.4},
		CalibratedAt: "2026-08-01T00:00:00Z",
		SampleCount:  40,
	}
	require.NoError(t, SavePoolConfig(path, cfg))

	got, err := LoadPoolConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Weights, got.Weights)
	assert.Equal(t, cfg.CalibratedAt, got.CalibratedAt)
	assert.Equal(t, 40, got.SampleCount)
	require.Len(t, got.Providers, 2)
	assert.Equal(t, "gpt-4o", got.Providers[0].Model)

	// Overwrite leaves no temp litter behind.
	cfg.SampleCount = 41
	require.NoError(t, SavePoolConfig(path, cfg))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "committee.yaml", entries[0].Name())
}
