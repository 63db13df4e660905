package llmclient

import (
	"context"
	"fmt"

	"github.com/basket/meridian/internal/config"
)

// Factory constructs a Provider from a descriptor's resolved LLM config.
// Pools call this once per agent at activation time rather than holding a
// process-wide singleton per provider, so each agent's credentials stay
// scoped to its own descriptor.
type Factory struct{}

// New builds the Provider implied by llm.Provider, using the secrets
// config.Registry already resolved into the LLMConfig.
func (Factory) New(ctx context.Context, llm config.LLMConfig) (Provider, error) {
	switch llm.Provider {
	case "anthropic":
		return NewAnthropicProvider(llm.APIKey, llm.Model), nil
	case "openai":
		return NewOpenAIProvider(llm.APIKey, llm.Model), nil
	case "bedrock":
		return NewBedrockProvider(ctx, llm.Region, llm.AccessKeyID, llm.SecretAccessKey, llm.Model)
	case "ollama":
		return NewOllamaProvider(llm.BaseURL, llm.Model), nil
	}
	return nil, fmt.Errorf("llmclient: unknown provider %q", llm.Provider)
}
