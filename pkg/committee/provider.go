package committee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// Provider is one committee member: a model endpoint that proposes column
// mappings for an evidence pack and answers in strict JSON.
type Provider interface {
	ID() string
	Family() contracts.ProviderFamily
	// Propose returns the provider's raw JSON response text. Schema
	// validation happens in the committee, not the client.
	Propose(ctx context.Context, pack *contracts.EvidencePack) (string, error)
}

// ProviderConfig declares one pool member. The API key is resolved from the
// named environment variable so the YAML artifact stays secret-free.
type ProviderConfig struct {
	ID        string                   `yaml:"id"`
	Family    contracts.ProviderFamily `yaml:"family"`
	Model     string                   `yaml:"model"`
	APIKeyEnv string                   `yaml:"api_key_env"`
	BaseURL   string                   `yaml:"base_url,omitempty"`
}

// NewProvider builds the client for a pool member. OpenAI, DeepSeek, and xAI
// share the chat-completions wire shape and differ only in endpoint.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	switch cfg.Family {
	case contracts.FamilyOpenAI:
		return newChatCompletionsProvider(cfg, apiKey, "https://api.openai.com/v1/chat/completions"), nil
	case contracts.FamilyDeepSeek:
		return newChatCompletionsProvider(cfg, apiKey, "https://api.deepseek.com/v1/chat/completions"), nil
	case contracts.FamilyXAI:
		return newChatCompletionsProvider(cfg, apiKey, "https://api.x.ai/v1/chat/completions"), nil
	case contracts.FamilyAnthropic:
		return newAnthropicProvider(cfg, apiKey), nil
	case contracts.FamilyGoogle:
		return newGoogleProvider(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("committee: unknown provider family %q", cfg.Family)
	}
}

type chatCompletionsProvider struct {
	id     string
	family contracts.ProviderFamily
	model  string
	apiKey string
	url    string
	client *http.Client
}

func newChatCompletionsProvider(cfg ProviderConfig, apiKey, defaultURL string) *chatCompletionsProvider {
	url := cfg.BaseURL
	if url == "" {
		url = defaultURL
	}
	return &chatCompletionsProvider{
		id:     cfg.ID,
		family: cfg.Family,
		model:  cfg.Model,
		apiKey: apiKey,
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *chatCompletionsProvider) ID() string                       { return p.id }
func (p *chatCompletionsProvider) Family() contracts.ProviderFamily { return p.family }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *chatCompletionsProvider) Propose(ctx context.Context, pack *contracts.EvidencePack) (string, error) {
	system, user, err := buildPrompt(pack)
	if err != nil {
		return "", err
	}
	reqBody := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", p.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.id, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", p.id, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.id, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", p.id)
	}
	return out.Choices[0].Message.Content, nil
}

type anthropicProvider struct {
	id     string
	model  string
	apiKey string
	url    string
	client *http.Client
}

func newAnthropicProvider(cfg ProviderConfig, apiKey string) *anthropicProvider {
	url := cfg.BaseURL
	if url == "" {
		url = "https://api.anthropic.com/v1/messages"
	}
	return &anthropicProvider{
		id:     cfg.ID,
		model:  cfg.Model,
		apiKey: apiKey,
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *anthropicProvider) ID() string                       { return p.id }
func (p *anthropicProvider) Family() contracts.ProviderFamily { return contracts.FamilyAnthropic }

type anthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *anthropicProvider) Propose(ctx context.Context, pack *contracts.EvidencePack) (string, error) {
	system, user, err := buildPrompt(pack)
	if err != nil {
		return "", err
	}
	reqBody := anthropicRequest{
		Model:     p.model,
		MaxTokens: 4096,
		System:    system,
		Messages:  []chatMessage{{Role: "user", Content: user}},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", p.id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.id, err)
	}
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", p.id, resp.StatusCode)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.id, err)
	}
	for _, block := range out.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("%s: no text block in response", p.id)
}

type googleProvider struct {
	id     string
	model  string
	apiKey string
	base   string
	client *http.Client
}

func newGoogleProvider(cfg ProviderConfig, apiKey string) *googleProvider {
	base := cfg.BaseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &googleProvider{
		id:     cfg.ID,
		model:  cfg.Model,
		apiKey: apiKey,
		base:   base,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *googleProvider) ID() string                       { return p.id }
func (p *googleProvider) Family() contracts.ProviderFamily { return contracts.FamilyGoogle }

type googleRequest struct {
	Contents []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMimeType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (p *googleProvider) Propose(ctx context.Context, pack *contracts.EvidencePack) (string, error) {
	system, user, err := buildPrompt(pack)
	if err != nil {
		return "", err
	}
	var reqBody googleRequest
	reqBody.Contents = []struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	}{{Parts: []struct {
		Text string `json:"text"`
	}{{Text: system + "\n\n" + user}}}}
	reqBody.GenerationConfig.ResponseMimeType = "application/json"

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("%s: marshal request: %w", p.id, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.base, p.model, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("%s: create request: %w", p.id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", p.id, resp.StatusCode)
	}

	var out googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.id, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%s: empty candidates", p.id)
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
