// Package providers selects a concrete llm.Provider implementation based on
// configuration, grounded on manifold's internal/llm/providers factory.
package providers

import (
	"fmt"
	"net/http"

	"wendao/internal/config"
	"wendao/internal/llm"
	"wendao/internal/llm/anthropic"
	openaillm "wendao/internal/llm/openai"
)

// Build constructs an llm.Provider based on the configured provider name.
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.LLMClient.Provider {
	case "", "anthropic":
		return anthropic.New(cfg.LLMClient.Anthropic, httpClient), nil
	case "openai":
		return openaillm.New(cfg.LLMClient.OpenAI, httpClient), nil
	case "local":
		oc := cfg.LLMClient.OpenAI
		oc.API = "completions"
		return openaillm.New(oc, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLMClient.Provider)
	}
}
