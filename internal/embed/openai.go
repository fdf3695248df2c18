package embed

import (
	"context"
	"errors"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// openAIDimensions maps embedding model names to their output vector
// length.
var openAIDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIProvider embeds text through the OpenAI embeddings API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	dims   int
	// limiter serializes API calls so concurrent chunk embedding does
	// not burst past the account rate limit.
	limiter sync.Mutex
}

// NewOpenAIProvider creates a provider for the given model. An empty
// model defaults to text-embedding-3-small.
func NewOpenAIProvider(apiKey, model string) (*OpenAIProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is empty")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	dims, ok := openAIDimensions[model]
	if !ok {
		dims = 1536
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		dims:   dims,
	}, nil
}

// EnsureModel is a no-op; hosted models need no local pull.
func (p *OpenAIProvider) EnsureModel(_ context.Context, _ func(Progress)) error {
	return nil
}

// Embed returns the embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is empty")
	}

	p.limiter.Lock()
	defer p.limiter.Unlock()

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embedding response empty")
	}

	embedding := resp.Data[0].Embedding
	result := make([]float32, len(embedding))
	copy(result, embedding)
	return result, nil
}

// Dimensions returns the model's vector length.
func (p *OpenAIProvider) Dimensions() int {
	return p.dims
}
