// Package llmclient is the narrow boundary between AI-Genesis and its LLM
// collaborator. The collaborator itself is explicitly out of scope: this
// package only defines the text-in/text-out contract the Architect and
// Coder agents call through, plus an OpenAI-compatible HTTP implementation
// of it.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRateLimited marks a Complete failure caused by the collaborator's own
// rate limiting (HTTP 429), distinct from a timeout or a hard API error.
var ErrRateLimited = errors.New("llmclient: rate limited")

// Provider is the trimmed collaborator contract: given a system and user
// prompt, return the model's free-form text reply. Neither agent needs
// streaming, tool-calling, or multi-turn history.
type Provider interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPProvider calls an OpenAI-compatible chat-completions endpoint.
type HTTPProvider struct {
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider returns a Provider for an OpenAI-compatible endpoint.
// timeout bounds each Complete call; callers may also pass a shorter
// deadline through ctx.
func NewHTTPProvider(baseURL, apiKey, model string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		model:   model,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements Provider.
func (p *HTTPProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var apiErr chatError
		json.Unmarshal(respBody, &apiErr)
		return "", fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr chatError
		json.Unmarshal(respBody, &apiErr)
		return "", fmt.Errorf("llmclient: API error %d: %s", resp.StatusCode, apiErr.Error.Message)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llmclient: unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llmclient: no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}
