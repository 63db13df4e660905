// Package llmclient models the LLM call as a thin external-collaborator
// interface: pools depend on the Provider capability, not
// on any one vendor SDK.
package llmclient

import (
	"context"
	"strings"
)

// CompleteRequest is one non-streaming completion call.
type CompleteRequest struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// Message is one turn in a completion request.
type Message struct {
	Role    string
	Content string
}

// CompleteResponse is the result of a completion call.
type CompleteResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one incremental piece of a streaming completion.
type StreamChunk struct {
	Delta string
	Done  bool
}

// Provider is the capability interface every LLM backend implements:
// complete, stream, count tokens, and report cost.
type Provider interface {
	Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error)
	Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk) error) error
	CountTokens(ctx context.Context, text string) (int, error)
	Cost(inputTokens, outputTokens int) float64
}

// ErrorClass categorizes a provider error into a transient-vs-permanent
// taxonomy for pool retry decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassServerError     ErrorClass = "SERVER_ERROR"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an error's message for known patterns to decide
// a provider failure's retry/failover class.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "401", "unauthorized", "invalid api key", "403", "forbidden"):
		return ErrorClassAuth
	case containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests"):
		return ErrorClassRateLimit
	case containsAny(msg, "deadline exceeded", "timeout", "timed out"):
		return ErrorClassTimeout
	case containsAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable"):
		return ErrorClassServerError
	case containsAny(msg, "context_length", "context length", "token limit", "max tokens", "context window"):
		return ErrorClassContextOverflow
	}
	return ErrorClassUnknown
}

// Retryable reports whether a class of error should be retried with
// backoff (network, 5xx, rate-limit) as opposed to failing the execution
// immediately (bad config, unknown tool).
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassRateLimit, ErrorClassTimeout, ErrorClassServerError:
		return true
	}
	return false
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
