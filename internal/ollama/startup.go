package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and required models are available.
// It pulls missing models automatically with progress output written to w.
// The embedding model is mandatory; the vision model (pass "" to skip) is
// pulled best-effort since only image extraction needs it. After the models
// are available, the embedding model is warmed up so the first indexing job
// doesn't pay the cold-load penalty.
// Returns a non-nil error if Ollama is unreachable or the embed model can't
// be pulled.
func EnsureReady(ctx context.Context, c *Client, embedModel, visionModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	if err := ensureModel(ctx, c, embedModel, w); err != nil {
		return err
	}

	if visionModel != "" {
		if err := ensureModel(ctx, c, visionModel, w); err != nil {
			fmt.Fprintf(w, "model %s: unavailable (image extraction will retry later): %v\n", visionModel, err)
		}
	}

	// Warm up the embedding model with a trivial request so it stays loaded
	// in memory for low-latency indexing.
	fmt.Fprintf(w, "model %s: warming up...\n", embedModel)
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Embed(warmCtx, embedModel, "ping")
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", embedModel, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", embedModel)
	}

	return nil
}

func ensureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := c.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			pct := float64(p.Completed) / float64(p.Total) * 100
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		} else {
			fmt.Fprintf(w, "  %s\n", p.Status)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
