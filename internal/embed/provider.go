package embed

import "context"

// Progress reports embedding model acquisition progress.
type Progress struct {
	Status    string
	Completed int64
	Total     int64
}

// Provider turns text into fixed-dimension vectors. Implementations
// return raw vectors; the Embedder normalizes them.
type Provider interface {
	// EnsureModel makes the embedding model available, downloading it
	// first if needed. onProgress may be nil.
	EnsureModel(ctx context.Context, onProgress func(Progress)) error

	// Embed returns the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length the model produces.
	Dimensions() int
}
