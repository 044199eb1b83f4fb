package embedding

import (
	"fmt"

	"docrag/config"
	"docrag/internal/port"
)

// FromConfig builds the embedder selected by cfg.Provider.
func FromConfig(cfg config.EmbeddingConfig) (port.Embedder, error) {
	opts := Options{
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		Dimension:         cfg.Dimension,
		BatchSize:         cfg.BatchSize,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}

	switch cfg.Provider {
	case "", "hashing":
		return NewHashingEmbedder(cfg.Dimension), nil
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKeyEnv, opts)
	case "deepseek":
		return NewDeepSeekEmbedder(cfg.APIKeyEnv, opts)
	case "jina":
		return NewJinaEmbedder(cfg.APIKeyEnv, opts)
	case "ollama":
		return NewOllamaEmbedder(opts), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}
