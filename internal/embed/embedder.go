package embed

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// State describes the embedding model lifecycle.
type State string

const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateError    State = "error"
)

// DefaultChunkSize is the rune-window size used when splitting note
// text for embedding.
const DefaultChunkSize = 1000

// Embedder wraps a Provider with lazy model acquisition and vector
// normalization. The model is acquired on first use; concurrent callers
// share the in-flight acquisition, and a failed acquisition is retried
// by the next call rather than cached forever.
type Embedder struct {
	provider   Provider
	onProgress func(Progress)

	flight singleflight.Group

	mu      sync.Mutex
	state   State
	lastErr error
}

// New creates an Embedder over the given provider. onProgress receives
// model download progress and may be nil.
func New(p Provider, onProgress func(Progress)) *Embedder {
	return &Embedder{provider: p, onProgress: onProgress, state: StateUnloaded}
}

// State reports the model lifecycle state and, in the error state, the
// acquisition failure.
func (e *Embedder) State() (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.lastErr
}

// Dimensions returns the vector length of the active model.
func (e *Embedder) Dimensions() int {
	return e.provider.Dimensions()
}

// EnsureReady acquires the model if it is not loaded yet. Concurrent
// calls wait for the single in-flight acquisition instead of starting
// their own.
func (e *Embedder) EnsureReady(ctx context.Context) error {
	e.mu.Lock()
	ready := e.state == StateReady
	e.mu.Unlock()
	if ready {
		return nil
	}

	_, err, _ := e.flight.Do("model", func() (any, error) {
		// Re-check under the flight: a caller that raced past the fast
		// path after another flight finished must not acquire again.
		e.mu.Lock()
		loaded := e.state == StateReady
		e.mu.Unlock()
		if loaded {
			return nil, nil
		}

		e.setState(StateLoading, nil)
		if err := e.provider.EnsureModel(ctx, e.onProgress); err != nil {
			e.setState(StateError, err)
			return nil, fmt.Errorf("acquiring embedding model: %w", err)
		}
		e.setState(StateReady, nil)
		return nil, nil
	})
	return err
}

func (e *Embedder) setState(s State, err error) {
	e.mu.Lock()
	e.state = s
	e.lastErr = err
	e.mu.Unlock()
}

// Embed returns the L2-normalized embedding for a single text, acquiring
// the model first if needed.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch returns L2-normalized embeddings for multiple texts
// concurrently. Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.EnsureReady(ctx); err != nil {
		return nil, err
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the model server.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.provider.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			normalize(vec)
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SplitChunks splits text into fixed-size rune windows with no overlap.
// The last chunk may be shorter, and chunks that are blank after
// trimming are dropped.
func SplitChunks(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// normalize scales v to unit length in place. Zero vectors are left
// unchanged.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
