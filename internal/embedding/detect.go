package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/kioku/internal/config"
)

// ollamaModelDims maps known embedding models to their native output size.
var ollamaModelDims = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
	"bge-m3":            1024,
}

// NewFromConfig selects and constructs the embedding provider. The choice
// is made once here and logged; whichever provider comes back is the one
// used for the process lifetime. "auto" prefers a reachable Ollama, then
// OpenAI when a key is present, then the deterministic hash provider.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.EmbeddingProvider {
	case "ollama":
		p := newOllamaFromConfig(cfg)
		if !p.Reachable(ctx, 2*time.Second) {
			return nil, fmt.Errorf("embedding: ollama at %s not reachable", cfg.OllamaURL)
		}
		logger.Info("embedding provider: ollama", "model", cfg.OllamaModel, "dims", p.Dimensions())
		return p, nil

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires OPENAI_API_KEY")
		}
		p := NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		logger.Info("embedding provider: openai", "model", cfg.OpenAIModel, "dims", p.Dimensions())
		return p, nil

	case "hash":
		p := NewHashProvider(cfg.VectorSize)
		logger.Info("embedding provider: hash", "dims", p.Dimensions())
		return p, nil

	case "auto", "":
		if p := newOllamaFromConfig(cfg); p.Reachable(ctx, 2*time.Second) {
			logger.Info("embedding provider: ollama (auto)", "model", cfg.OllamaModel, "dims", p.Dimensions())
			return p, nil
		}
		if cfg.OpenAIAPIKey != "" {
			p := NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIModel)
			logger.Info("embedding provider: openai (auto)", "model", cfg.OpenAIModel, "dims", p.Dimensions())
			return p, nil
		}
		p := NewHashProvider(cfg.VectorSize)
		logger.Warn("embedding provider: hash (auto); no ollama or openai available, search quality will be degraded",
			"dims", p.Dimensions())
		return p, nil

	default:
		return nil, fmt.Errorf("embedding: unknown provider %q (accepted: auto, ollama, openai, hash)", cfg.EmbeddingProvider)
	}
}

func newOllamaFromConfig(cfg config.Config) *OllamaProvider {
	dims, ok := ollamaModelDims[cfg.OllamaModel]
	if !ok {
		dims = 768
	}
	return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
}
