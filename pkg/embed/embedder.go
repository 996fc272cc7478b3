package embed

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"

	"newsflow/pkg/retry"
)

// Config describes the embedding model endpoint.
type Config struct {
	Model     string
	BaseURL   string
	VectorDim int
	Retry     retry.Policy
}

// OllamaEmbedder implements the embedding capability through an Ollama
// server. Failures are classified transient and retried with the shared
// policy; persistent unavailability is a policy decision made by the
// deduplicator, not here.
type OllamaEmbedder struct {
	cfg Config
	llm *ollama.LLM
}

// New connects to the configured Ollama server.
func New(cfg Config) (*OllamaEmbedder, error) {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text:latest"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.VectorDim == 0 {
		cfg.VectorDim = 768
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	llm, err := ollama.New(ollama.WithModel(cfg.Model), ollama.WithServerURL(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("initialize embedding model: %w", err)
	}

	return &OllamaEmbedder{cfg: cfg, llm: llm}, nil
}

// Embed returns the fixed-length vector for text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		embeddings, err := e.llm.CreateEmbedding(ctx, []string{text})
		if err != nil {
			return retry.Transient(fmt.Errorf("create embedding: %w", err))
		}
		if len(embeddings) == 0 {
			return retry.Transient(fmt.Errorf("embedding model returned no vectors"))
		}
		vector = embeddings[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vector) != e.cfg.VectorDim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vector), e.cfg.VectorDim)
	}
	return vector, nil
}
