package committee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

func testPack() *contracts.EvidencePack {
	return &contracts.EvidencePack{
		CaseID: "case-1",
		CandidateHeaders: []contracts.CandidateHeader{
			{ColumnID: "A", Text: "Customer"},
			{ColumnID: "B", Text: "SKU"},
			{ColumnID: "C", Text: "Qty"},
			{ColumnID: "D", Text: "Price"},
		},
		SampleValues: map[string][]string{
			"A": {"Acme"}, "B": {"ABC-1"}, "C": {"10"}, "D": {"25.50"},
		},
		DetectedLanguage: "en",
		Timestamp:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func testConfig() Config {
	return Config{
		Size:          3,
		MinSuccessful: 2,
		CallTimeout:   time.Second,
		Ceiling:       2 * time.Second,
		MinWeight:     0.1,
		Thresholds:    testThresholds(),
	}
}

// answerJSON renders a schema-valid provider answer. An empty column id
// stands for a null selection.
func answerJSON(t *testing.T, confidence float64, choices map[contracts.CanonicalField]string) string {
	t.Helper()
	type mapping struct {
		Field            string  `json:"field"`
		SelectedColumnID *string `json:"selectedColumnId"`
		Confidence       float64 `json:"confidence"`
	}
	body := struct {
		Mappings          []mapping `json:"mappings"`
		OverallConfidence float64   `json:"overallConfidence"`
	}{OverallConfidence: confidence}
	for _, field := range contracts.AllFields {
		col, ok := choices[field]
		if !ok {
			continue
		}
		m := mapping{Field: string(field), Confidence: confidence}
		if col != "" {
			c := col
			m.SelectedColumnID = &c
		}
		body.Mappings = append(body.Mappings, m)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return string(raw)
}

func testCommittee(t *testing.T, cfg Config, pool []Provider) *Committee {
	t.Helper()
	c, err := New(cfg, pool, nil, slog.Default())
	require.NoError(t, err)
	return c
}

func TestRunUnanimousVerdict(t *testing.T) {
	answer := answerJSON(t, 0.9, map[contracts.CanonicalField]string{
		contracts.FieldCustomerName: "A",
		contracts.FieldSKU:          "B",
	})
	pool := []Provider{
		&stubProvider{id: "openai-a", family: contracts.FamilyOpenAI, response: answer},
		&stubProvider{id: "anthropic-a", family: contracts.FamilyAnthropic, response: answer},
		&stubProvider{id: "google-a", family: contracts.FamilyGoogle, response: answer},
	}

	result, err := testCommittee(t, testConfig(), pool).Run(context.Background(), "task-1", "case-1", testPack())
	require.NoError(t, err)

	assert.Equal(t, contracts.ConsensusUnanimous, result.ConsensusClass)
	assert.False(t, result.RequiresHumanReview)
	assert.False(t, result.DiversityDowngraded)
	assert.Len(t, result.SelectedProviderIDs, 3)

	require.Len(t, result.FinalMappings, 2)
	for _, m := range result.FinalMappings {
		assert.Equal(t, contracts.MethodCommittee, m.Method)
		assert.NotEmpty(t, m.ColumnID)
		assert.NotEmpty(t, m.Header)
	}
}

func TestRunRecordsProviderFailure(t *testing.T) {
	answer := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"})
	pool := []Provider{
		&stubProvider{id: "openai-a", family: contracts.FamilyOpenAI, response: answer},
		&stubProvider{id: "anthropic-a", family: contracts.FamilyAnthropic, response: answer},
		&stubProvider{id: "google-a", family: contracts.FamilyGoogle, err: errors.New("status 503")},
	}

	result, err := testCommittee(t, testConfig(), pool).Run(context.Background(), "task-1", "case-1", testPack())
	require.NoError(t, err)

	var failures int
	for _, o := range result.ProviderOutputs {
		if !o.Succeeded() {
			failures++
			assert.Contains(t, o.Failure, "503")
		}
	}
	assert.Equal(t, 1, failures, "the failed call is retained for the audit trail")
	assert.Equal(t, contracts.ConsensusUnanimous, result.ConsensusClass)
}

func TestRunFailsBelowMinSuccessful(t *testing.T) {
	answer := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"})
	pool := []Provider{
		&stubProvider{id: "openai-a", family: contracts.FamilyOpenAI, response: answer},
		&stubProvider{id: "anthropic-a", family: contracts.FamilyAnthropic, err: errors.New("timeout")},
		&stubProvider{id: "google-a", family: contracts.FamilyGoogle, err: errors.New("status 500")},
	}

	_, err := testCommittee(t, testConfig(), pool).Run(context.Background(), "task-1", "case-1", testPack())
	require.Error(t, err)

	var ae *contracts.ActivityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "COMMITTEE_FAILED", ae.Code)
	assert.Equal(t, contracts.KindCommittee, ae.Kind)
	assert.True(t, ae.Retryable)
}

func TestRunRejectsOutOfPackColumn(t *testing.T) {
	good := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"})
	bad := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "Z"})
	pool := []Provider{
		&stubProvider{id: "openai-a", family: contracts.FamilyOpenAI, response: good},
		&stubProvider{id: "anthropic-a", family: contracts.FamilyAnthropic, response: good},
		&stubProvider{id: "google-a", family: contracts.FamilyGoogle, response: bad},
	}

	result, err := testCommittee(t, testConfig(), pool).Run(context.Background(), "task-1", "case-1", testPack())
	require.NoError(t, err)

	var rejected int
	for _, o := range result.ProviderOutputs {
		if o.ProviderID == "google-a" {
			assert.Contains(t, o.Failure, "not present")
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
}

func TestRunAcceptPolicyOverridesThresholds(t *testing.T) {
	majority := answerJSON(t, 0.95, map[contracts.CanonicalField]string{contracts.FieldCustomerName: "A"})
	dissent := answerJSON(t, 0.4, map[contracts.CanonicalField]string{contracts.FieldCustomerName: "B"})
	pool := []Provider{
		&stubProvider{id: "openai-a", family: contracts.FamilyOpenAI, response: majority},
		&stubProvider{id: "anthropic-a", family: contracts.FamilyAnthropic, response: majority},
		&stubProvider{id: "google-a", family: contracts.FamilyGoogle, response: dissent},
	}

	// Without a policy a critical-field majority requires review.
	result, err := testCommittee(t, testConfig(), pool).Run(context.Background(), "task-1", "case-1", testPack())
	require.NoError(t, err)
	assert.True(t, result.RequiresHumanReview)

	cfg := testConfig()
	cfg.AcceptPolicy = `confidence >= 0.9`
	relaxed, err := New(cfg, pool, nil, slog.Default())
	require.NoError(t, err)

	result, err = relaxed.Run(context.Background(), "task-1", "case-1", testPack())
	require.NoError(t, err)
	assert.False(t, result.RequiresHumanReview)
}

func TestNewRejectsBadPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.AcceptPolicy = `confidence >=` // does not compile
	_, err := New(cfg, diversePool(), nil, slog.Default())
	require.Error(t, err)
}

func TestChatCompletionsProviderWire(t *testing.T) {
	answer := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, `"case_id": "case-1"`)

		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, answer)
	}))
	defer srv.Close()

	t.Setenv("TEST_OPENAI_KEY", "test-key")
	p, err := NewProvider(ProviderConfig{
		ID: "openai-a", Family: contracts.FamilyOpenAI, Model: "gpt-test",
		APIKeyEnv: "TEST_OPENAI_KEY", BaseURL: srv.URL,
	})
	require.NoError(t, err)

	raw, err := p.Propose(context.Background(), testPack())
	require.NoError(t, err)
	out, err := decodeOutput(raw, testPack())
	require.NoError(t, err)
	require.Len(t, out.Mappings, 1)
	assert.Equal(t, contracts.FieldSKU, out.Mappings[0].Field)
}

func TestAnthropicProviderWire(t *testing.T) {
	answer := answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.System)
		require.Len(t, req.Messages, 1)

		fmt.Fprintf(w, `{"content":[{"type":"text","text":%q}]}`, answer)
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "test-key")
	p, err := NewProvider(ProviderConfig{
		ID: "anthropic-a", Family: contracts.FamilyAnthropic, Model: "claude-test",
		APIKeyEnv: "TEST_ANTHROPIC_KEY", BaseURL: srv.URL,
	})
	require.NoError(t, err)

	raw, err := p.Propose(context.Background(), testPack())
	require.NoError(t, err)
	_, err = decodeOutput(raw, testPack())
	require.NoError(t, err)
}

func TestProviderErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewProvider(ProviderConfig{
		ID: "openai-a", Family: contracts.FamilyOpenAI, Model: "gpt-test", BaseURL: srv.URL,
	})
	require.NoError(t, err)

	_, err = p.Propose(context.Background(), testPack())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestDecodeOutputStripsCodeFences(t *testing.T) {
	answer := "```json\n" + answerJSON(t, 0.9, map[contracts.CanonicalField]string{contracts.FieldSKU: "B"}) + "\n```"
	out, err := decodeOutput(answer, testPack())
	require.NoError(t, err)
	require.Len(t, out.Mappings, 1)
}

func TestDecodeOutputRejectsUnknownKeys(t *testing.T) {
	_, err := decodeOutput(`{"mappings":[],"overallConfidence":0.5,"extra":true}`, testPack())
	require.Error(t, err)
}

func TestDecodeOutputRejectsDuplicateField(t *testing.T) {
	raw := `{"mappings":[
		{"field":"sku","selectedColumnId":"B","confidence":0.9},
		{"field":"sku","selectedColumnId":"C","confidence":0.8}
	],"overallConfidence":0.9}`
	_, err := decodeOutput(raw, testPack())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestDecodeOutputRejectsConfidenceOutOfRange(t *testing.T) {
	raw := `{"mappings":[{"field":"sku","selectedColumnId":"B","confidence":1.7}],"overallConfidence":0.9}`
	_, err := decodeOutput(raw, testPack())
	require.Error(t, err)
}
