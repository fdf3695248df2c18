package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/notevec/notevec/internal/embed"
	"github.com/notevec/notevec/internal/index"
	"github.com/notevec/notevec/internal/storage"
	"github.com/notevec/notevec/internal/vecstore"
)

// JobQueue abstracts the queue operations the worker advances.
type JobQueue interface {
	NextJob() (*storage.Job, error)
	MarkExtracted(id int64, text string) error
	TextsForNote(noteID string) ([]string, error)
	CompleteJob(id int64) error
	FailJob(id int64, errMsg string) (bool, error)
}

// PayloadExtractor turns attachment payloads into plain text.
type PayloadExtractor interface {
	Extract(ctx context.Context, mimeType string, data []byte) (string, error)
}

// ContentEmbedder generates embeddings for note text chunks.
type ContentEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists embedded chunks durably.
type VectorStore interface {
	ReplaceNote(noteID string, chunks []vecstore.Chunk) ([]vecstore.Record, error)
}

// SearchIndex mirrors durable vectors for similarity queries.
type SearchIndex interface {
	Insert(e index.Entry) error
	Remove(id string)
	RemoveNote(noteID string) int
}

// Worker drains the job queue one item per cycle, oldest first. Items in
// pending_extraction advance to pending_embedding; items in
// pending_embedding end up as vectors in both stores. Per-item failures
// are recorded on the item and never stop the loop.
type Worker struct {
	queue     JobQueue
	extractor PayloadExtractor
	embedder  ContentEmbedder
	vectors   VectorStore
	index     SearchIndex
	poll      time.Duration
	wake      chan struct{}
	logger    *slog.Logger

	// OnCycle, when set, runs after every processed item so observers
	// can publish fresh queue stats. Set it before calling Run.
	OnCycle func()
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 2s.
func NewWorker(queue JobQueue, extractor PayloadExtractor, embedder ContentEmbedder, vectors VectorStore, idx SearchIndex, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Worker{
		queue:     queue,
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		index:     idx,
		poll:      pollInterval,
		wake:      make(chan struct{}, 1),
		logger:    slog.Default(),
	}
}

// Kick wakes an idle worker so newly enqueued items are picked up
// without waiting out the poll interval.
func (w *Worker) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run processes items until ctx is cancelled. After a processed item the
// loop continues immediately to drain the queue; an empty queue parks it
// on the wake channel or the poll timer.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		didWork, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker cycle failed", "error", err)
		}
		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.poll):
		}
	}
}

// RunOnce fetches and processes a single eligible item.
// Returns true if an item was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.NextJob()
	if err != nil {
		return false, fmt.Errorf("fetching next item: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processItem(ctx, job); err != nil {
		w.logger.Warn("item failed", "job_id", job.ID, "note_id", job.NoteID, "error", err)
		terminal, failErr := w.queue.FailJob(job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to record item failure", "job_id", job.ID, "error", failErr)
		} else if terminal {
			w.logger.Error("item parked after retry ceiling", "job_id", job.ID, "note_id", job.NoteID)
		}
	}

	if w.OnCycle != nil {
		w.OnCycle()
	}
	return true, nil
}

func (w *Worker) processItem(ctx context.Context, job *storage.Job) error {
	switch job.Status {
	case storage.StatusPendingExtraction:
		return w.extractItem(ctx, job)
	case storage.StatusPendingEmbedding:
		return w.embedItem(ctx, job)
	default:
		return fmt.Errorf("unexpected item status %q", job.Status)
	}
}

// extractItem rewrites an attachment payload to extracted text and
// advances the item to pending_embedding. The item keeps its queue
// position, so the embedding pass picks it up on the next cycle.
func (w *Worker) extractItem(ctx context.Context, job *storage.Job) error {
	blob, ok := job.Blob()
	if !ok {
		return errors.New("item has no attachment payload")
	}

	text, err := w.extractor.Extract(ctx, blob.MIME, blob.Data)
	if err != nil {
		return fmt.Errorf("extracting %s attachment: %w", job.Kind, err)
	}

	if err := w.queue.MarkExtracted(job.ID, text); err != nil {
		return fmt.Errorf("advancing extracted item: %w", err)
	}
	return nil
}

// embedItem re-embeds the item's whole note: the unit of embedding is
// the note, not the item, so the text item and every extracted
// attachment are joined into one corpus whose chunks are numbered from
// zero. The note's durable vectors are swapped in one transaction and
// mirrored into the in-memory index. A corpus that yields no chunks
// completes with zero vectors, purging any stale ones.
func (w *Worker) embedItem(ctx context.Context, job *storage.Job) error {
	if _, ok := job.Text(); !ok {
		return errors.New("item has no text payload")
	}

	texts, err := w.queue.TextsForNote(job.NoteID)
	if err != nil {
		return fmt.Errorf("collecting note text: %w", err)
	}

	chunks := embed.SplitChunks(strings.Join(texts, "\n\n"), embed.DefaultChunkSize)
	embeddings, err := w.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return fmt.Errorf("embedding note text: %w", err)
	}

	pairs := make([]vecstore.Chunk, len(chunks))
	for i := range chunks {
		pairs[i] = vecstore.Chunk{Content: chunks[i], Embedding: embeddings[i]}
	}
	records, err := w.vectors.ReplaceNote(job.NoteID, pairs)
	if err != nil {
		return fmt.Errorf("storing vectors: %w", err)
	}

	w.index.RemoveNote(job.NoteID)
	for _, rec := range records {
		entry := index.Entry{
			ID:         rec.ID,
			NoteID:     rec.NoteID,
			ChunkIndex: rec.ChunkIndex,
			Content:    rec.Content,
			Embedding:  rec.Embedding,
		}
		if err := w.index.Insert(entry); err != nil {
			// A leftover entry under the same key from a racing writer.
			// Drop that key and insert ours.
			if errors.Is(err, index.ErrDuplicateKey) {
				w.index.Remove(entry.ID)
				if err := w.index.Insert(entry); err != nil {
					return fmt.Errorf("reindexing chunk %s: %w", entry.ID, err)
				}
				continue
			}
			return fmt.Errorf("indexing chunk %s: %w", entry.ID, err)
		}
	}

	if err := w.queue.CompleteJob(job.ID); err != nil {
		return fmt.Errorf("completing item: %w", err)
	}
	return nil
}
