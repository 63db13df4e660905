package config

import (
	"fmt"
	"os"
)

// providerEnvVars is the fixed provider -> environment variable mapping
// table. Descriptors never embed raw secrets; they name a provider and the
// registry resolves the corresponding credential from the process
// environment at load time.
var providerEnvVars = map[string][]string{
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"bedrock":   {"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION"},
	"ollama":    {"OLLAMA_BASE_URL"},
}

// resolveSecrets injects provider credentials from the environment into a
// descriptor's LLM block. Missing required variables are returned as a
// single aggregated error so the registry can record one ConfigInvalid
// entry per descriptor rather than failing load-wide.
func resolveSecrets(d *AgentDescriptor) error {
	vars, known := providerEnvVars[d.LLM.Provider]
	if !known {
		return fmt.Errorf("agent %q: unknown llm provider %q", d.Name, d.LLM.Provider)
	}

	switch d.LLM.Provider {
	case "openai", "anthropic":
		key := os.Getenv(vars[0])
		if key == "" {
			return fmt.Errorf("agent %q: %s is not set", d.Name, vars[0])
		}
		d.LLM.APIKey = key
	case "bedrock":
		id := os.Getenv(vars[0])
		secret := os.Getenv(vars[1])
		region := os.Getenv(vars[2])
		if id == "" || secret == "" {
			return fmt.Errorf("agent %q: %s and %s must both be set for bedrock", d.Name, vars[0], vars[1])
		}
		d.LLM.AccessKeyID = id
		d.LLM.SecretAccessKey = secret
		if region == "" {
			region = "us-east-1"
		}
		d.LLM.Region = region
	case "ollama":
		baseURL := os.Getenv(vars[0])
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		d.LLM.BaseURL = baseURL
	}
	return nil
}
