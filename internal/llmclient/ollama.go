package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider adapts a local Ollama server's OpenAI-compatible chat
// endpoint to the Provider capability interface. Ollama's HTTP API has no
// dedicated client SDK, so this is the one Provider built directly on
// net/http.Client.
type OllamaProvider struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

// NewOllamaProvider constructs a provider against baseURL (an
// OpenAI-compatible endpoint, e.g. http://localhost:11434/v1).
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	return &OllamaProvider{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      strings.TrimPrefix(model, "ollama/"),
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Choices []struct {
		Message ollamaChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OllamaProvider) chatMessages(req CompleteRequest) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, ollamaChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		out = append(out, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// Complete issues a single non-streaming chat completion call.
func (p *OllamaProvider) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	body, err := json.Marshal(ollamaChatRequest{Model: p.model, Messages: p.chatMessages(req), Stream: false})
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CompleteResponse{}, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return CompleteResponse{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return CompleteResponse{}, fmt.Errorf("ollama: empty choices in response")
	}
	return CompleteResponse{
		Content:      chatResp.Choices[0].Message.Content,
		InputTokens:  chatResp.Usage.PromptTokens,
		OutputTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// Stream is not implemented against Ollama's OpenAI-compatible endpoint in
// this adapter; it falls back to a single Complete call delivered as one
// chunk.
func (p *OllamaProvider) Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk) error) error {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := onChunk(StreamChunk{Delta: resp.Content}); err != nil {
		return err
	}
	return onChunk(StreamChunk{Done: true})
}

// CountTokens uses the chars/4 heuristic; Ollama's OpenAI-compatible
// endpoint does not expose a standalone tokenize call for every model.
func (p *OllamaProvider) CountTokens(ctx context.Context, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// Cost is always zero: locally-hosted models have no per-token API cost.
func (p *OllamaProvider) Cost(inputTokens, outputTokens int) float64 {
	return 0
}
