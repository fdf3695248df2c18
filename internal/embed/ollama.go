package embed

import (
	"context"
	"fmt"

	"github.com/notevec/notevec/internal/ollama"
)

// OllamaProvider embeds text with a model served by a local Ollama
// instance.
type OllamaProvider struct {
	client *ollama.Client
	model  string
	dims   int
}

// NewOllamaProvider creates a provider for the given model. dims must
// match the model's output dimension.
func NewOllamaProvider(c *ollama.Client, model string, dims int) *OllamaProvider {
	return &OllamaProvider{client: c, model: model, dims: dims}
}

// EnsureModel verifies the Ollama server is reachable and pulls the
// model if it is not present locally.
func (p *OllamaProvider) EnsureModel(ctx context.Context, onProgress func(Progress)) error {
	if !p.client.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running")
	}
	if p.client.HasModel(ctx, p.model) {
		return nil
	}
	return p.client.PullModel(ctx, p.model, func(pp ollama.PullProgress) {
		if onProgress != nil {
			onProgress(Progress{Status: pp.Status, Completed: pp.Completed, Total: pp.Total})
		}
	})
}

// Embed returns the embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.client.Embed(ctx, p.model, text)
}

// Dimensions returns the configured vector length.
func (p *OllamaProvider) Dimensions() int {
	return p.dims
}
