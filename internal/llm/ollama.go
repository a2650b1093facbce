package llm

import (
	"strings"
	"time"
)

// OllamaConfig holds configuration for a local Ollama server
type OllamaConfig struct {
	BaseURL string // default: http://localhost:11434
	Model   string // default: llama3.2-vision
	Timeout time.Duration
}

// NewOllamaProvider returns a provider for Ollama's OpenAI-compatible
// endpoint. Ollama ignores the API key but the client requires one.
func NewOllamaProvider(cfg OllamaConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2-vision"
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}

	return NewOpenAIProvider(OpenAIConfig{
		Name:    "ollama",
		APIKey:  "ollama",
		BaseURL: base,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
}
