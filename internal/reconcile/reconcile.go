package reconcile

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/notevec/notevec/internal/storage"
)

// NoteStore supplies the live note set.
type NoteStore interface {
	AllNotes() ([]storage.Note, error)
}

// JobQueue views and repairs queue rows.
type JobQueue interface {
	PendingNoteIDs() (map[string]struct{}, error)
	JobNoteIDs() ([]string, error)
	DeleteJobsForNote(noteID string) error
	EnqueueText(noteID, text string) (int64, error)
}

// VectorStore views and repairs durable vectors.
type VectorStore interface {
	NoteIDs() ([]string, error)
	DeleteNote(noteID string) (int, error)
}

// SearchIndex drops in-memory entries for purged notes.
type SearchIndex interface {
	RemoveNote(noteID string) int
}

// Result summarizes one reconciliation pass.
type Result struct {
	Enqueued        int // notes re-queued for embedding
	OrphanedVectors int // notes whose durable vectors were purged
	OrphanedJobs    int // note ids whose queue rows were purged
}

func (r Result) clean() bool {
	return r.Enqueued == 0 && r.OrphanedVectors == 0 && r.OrphanedJobs == 0
}

// Reconciler audits the queue and both vector stores against the live
// note set. The producer and the worker run without a shared lock, so
// crashes and races can leave notes without vectors, vectors without
// notes, or queue rows without notes; a pass repairs all three. Running
// it again with no intervening changes is a no-op.
type Reconciler struct {
	notes   NoteStore
	queue   JobQueue
	vectors VectorStore
	index   SearchIndex
	logger  *slog.Logger
}

// New creates a Reconciler over the given stores.
func New(notes NoteStore, queue JobQueue, vectors VectorStore, idx SearchIndex) *Reconciler {
	return &Reconciler{
		notes:   notes,
		queue:   queue,
		vectors: vectors,
		index:   idx,
		logger:  slog.Default(),
	}
}

// Run performs one reconciliation pass.
func (r *Reconciler) Run() (Result, error) {
	var res Result

	notes, err := r.notes.AllNotes()
	if err != nil {
		return res, fmt.Errorf("listing notes: %w", err)
	}
	vectorNoteIDs, err := r.vectors.NoteIDs()
	if err != nil {
		return res, fmt.Errorf("listing vector note ids: %w", err)
	}
	pending, err := r.queue.PendingNoteIDs()
	if err != nil {
		return res, fmt.Errorf("listing pending note ids: %w", err)
	}
	jobNoteIDs, err := r.queue.JobNoteIDs()
	if err != nil {
		return res, fmt.Errorf("listing job note ids: %w", err)
	}

	live := make(map[string]struct{}, len(notes))
	for _, n := range notes {
		live[n.ID] = struct{}{}
	}
	embedded := make(map[string]struct{}, len(vectorNoteIDs))
	for _, id := range vectorNoteIDs {
		embedded[id] = struct{}{}
	}

	// Notes with no vectors and no in-flight work get re-queued. Stale
	// terminal rows go first so a note never carries two failure
	// markers.
	for _, n := range notes {
		if _, ok := embedded[n.ID]; ok {
			continue
		}
		if _, ok := pending[n.ID]; ok {
			continue
		}
		if strings.TrimSpace(n.Content) == "" {
			// Nothing to embed; re-queueing would loop forever.
			continue
		}
		if err := r.queue.DeleteJobsForNote(n.ID); err != nil {
			return res, fmt.Errorf("purging stale rows for note %s: %w", n.ID, err)
		}
		if _, err := r.queue.EnqueueText(n.ID, n.Content); err != nil {
			return res, fmt.Errorf("enqueueing note %s: %w", n.ID, err)
		}
		res.Enqueued++
	}

	// Vectors whose note is gone are purged from both stores.
	for _, id := range vectorNoteIDs {
		if _, ok := live[id]; ok {
			continue
		}
		if _, err := r.vectors.DeleteNote(id); err != nil {
			return res, fmt.Errorf("purging orphaned vectors for %s: %w", id, err)
		}
		r.index.RemoveNote(id)
		res.OrphanedVectors++
	}

	// Queue rows whose note is gone are purged, pending rows included; a
	// pending item for a deleted note would only re-embed a ghost.
	for _, id := range jobNoteIDs {
		if _, ok := live[id]; ok {
			continue
		}
		if err := r.queue.DeleteJobsForNote(id); err != nil {
			return res, fmt.Errorf("purging orphaned rows for %s: %w", id, err)
		}
		res.OrphanedJobs++
	}

	if !res.clean() {
		r.logger.Info("reconciliation repaired state",
			"enqueued", res.Enqueued,
			"orphaned_vectors", res.OrphanedVectors,
			"orphaned_jobs", res.OrphanedJobs)
	}
	return res, nil
}
