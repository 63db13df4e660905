package llmclient

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openaiCostPerMillion = struct{ input, output float64 }{input: 2.50, output: 10.00}

// OpenAIProvider adapts the Chat Completions API to the Provider
// capability interface.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider constructs a provider bound to apiKey and model.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func toOpenAIMessages(systemPrompt string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			out = append(out, openai.AssistantMessage(m.Content))
		} else {
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Complete issues a single non-streaming chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    toOpenAIMessages(req.SystemPrompt, req.Messages),
		Temperature: openai.Float(req.Temperature),
	})
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return CompleteResponse{}, fmt.Errorf("openai: empty choices in response")
	}
	return CompleteResponse{
		Content:      resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// Stream issues a streaming chat completion call.
func (p *OpenAIProvider) Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk) error) error {
	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    toOpenAIMessages(req.SystemPrompt, req.Messages),
		Temperature: openai.Float(req.Temperature),
	})
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if err := onChunk(StreamChunk{Delta: delta}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	return onChunk(StreamChunk{Done: true})
}

// CountTokens uses the same chars/4 heuristic as the other providers; a
// real tiktoken-accurate count would require bundling a BPE tokenizer.
func (p *OpenAIProvider) CountTokens(ctx context.Context, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// Cost computes an approximate USD cost for a completion.
func (p *OpenAIProvider) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*openaiCostPerMillion.input +
		float64(outputTokens)/1_000_000*openaiCostPerMillion.output
}
