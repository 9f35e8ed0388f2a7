package llm

import (
	"strings"
	"time"
)

// OllamaConfig configures a local Ollama server used as the fallback
// provider.
type OllamaConfig struct {
	// BaseURL is the server root, e.g. http://localhost:11434.
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	HealthTTL time.Duration
}

// NewOllama returns a provider talking to Ollama through its
// OpenAI-compatible /v1 endpoint.
func NewOllama(cfg OllamaConfig) *OpenAIProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "http://localhost:11434"
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return NewOpenAI(OpenAIConfig{
		Name: "ollama",
		// Ollama ignores the key but the client always sends one.
		APIKey:    "ollama",
		BaseURL:   base,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout,
		HealthTTL: cfg.HealthTTL,
	})
}
