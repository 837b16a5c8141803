// Package committee selects a diverse set of model providers, fans an
// identical evidence pack out to all of them, validates their structured
// responses, and aggregates them by weighted vote into a CommitteeVerdict.
package committee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/orderpilot/orderpilot/pkg/errkind"
)

// Provider is one committee member: given a prompt, return structured JSON
// satisfying the committee response schema within its time budget.
type Provider interface {
	ID() string
	Family() string
	Invoke(ctx context.Context, prompt string) (string, error)
}

// OpenAIProvider calls an OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	id      string
	family  string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a provider. baseURL defaults to the OpenAI API;
// point it elsewhere for compatible gateways.
func NewOpenAIProvider(id, family, apiKey, model, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		id:      id,
		family:  family,
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *OpenAIProvider) ID() string     { return p.id }
func (p *OpenAIProvider) Family() string { return p.family }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	reqBody := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("committee: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return "", fmt.Errorf("committee: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.CodeProviderTimeout, "provider unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errkind.Newf(errkind.CodeProviderTimeout, "provider %s returned %d", p.id, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("committee: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("committee: empty choices from %s", p.id)
	}
	return out.Choices[0].Message.Content, nil
}

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	id     string
	family string
	model  string
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, id, family, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("committee: create gemini client: %w", err)
	}
	return &GeminiProvider{id: id, family: family, model: model, client: client}, nil
}

func (p *GeminiProvider) ID() string     { return p.id }
func (p *GeminiProvider) Family() string { return p.family }

func (p *GeminiProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
		})
	if err != nil {
		return "", errkind.Wrap(errkind.CodeProviderTimeout, "gemini call failed", err)
	}
	return resp.Text(), nil
}

// ScriptedProvider replays canned responses, for tests and replay tooling.
type ScriptedProvider struct {
	ProviderID     string
	ProviderFamily string
	Response       string
	Err            error
	Delay          time.Duration
}

func (p *ScriptedProvider) ID() string     { return p.ProviderID }
func (p *ScriptedProvider) Family() string { return p.ProviderFamily }

func (p *ScriptedProvider) Invoke(ctx context.Context, prompt string) (string, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return "", errkind.Wrap(errkind.CodeProviderTimeout, "scripted provider timed out", ctx.Err())
		}
	}
	if p.Err != nil {
		return "", p.Err
	}
	return p.Response, nil
}
