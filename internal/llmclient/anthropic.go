package llmclient

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicCostPerMillion is a coarse, provider-level cost table in USD per
// million tokens. Real pricing varies by exact model; this is adequate for
// the orchestrator's cost-reporting surface, not billing.
var anthropicCostPerMillion = struct {
	input, output float64
}{input: 3.00, output: 15.00}

// AnthropicProvider adapts the Anthropic Messages API to the Provider
// capability interface.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider constructs a provider bound to apiKey and model.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// Complete issues a single non-streaming completion call.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
		Messages:  toAnthropicMessages(req.Messages),
	})
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("anthropic: complete: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if text := block.Text; text != "" {
			content += text
		}
	}
	return CompleteResponse{
		Content:      content,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// Stream issues a streaming completion call, invoking onChunk for each
// incremental delta.
func (p *AnthropicProvider) Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk) error) error {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	stream := p.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
		Messages:  toAnthropicMessages(req.Messages),
	})
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		if delta := event.Delta.Text; delta != "" {
			if err := onChunk(StreamChunk{Delta: delta}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic: stream: %w", err)
	}
	return onChunk(StreamChunk{Done: true})
}

// CountTokens estimates token count for text. The dedicated count-tokens
// endpoint is a billed API call per estimate, so a conservative chars/4
// heuristic stands in rather than wiring it for every call site.
func (p *AnthropicProvider) CountTokens(ctx context.Context, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// Cost computes an approximate USD cost for a completion.
func (p *AnthropicProvider) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*anthropicCostPerMillion.input +
		float64(outputTokens)/1_000_000*anthropicCostPerMillion.output
}
