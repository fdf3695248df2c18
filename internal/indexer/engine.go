package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/notevec/notevec/internal/embed"
	"github.com/notevec/notevec/internal/index"
	"github.com/notevec/notevec/internal/reconcile"
	"github.com/notevec/notevec/internal/storage"
	"github.com/notevec/notevec/internal/vecstore"
	"github.com/notevec/notevec/internal/worker"
)

// Search request bounds. Callers that pass zero values get the
// defaults; limits above the ceiling are clamped.
const (
	DefaultSearchLimit     = 5
	MaxSearchLimit         = 50
	DefaultSearchThreshold = 0.25
)

// Options tunes the engine.
type Options struct {
	// PollInterval is the worker's idle poll. Zero means the worker
	// default.
	PollInterval time.Duration
	// ReconcileInterval runs a periodic reconciliation pass. Zero
	// disables the ticker; passes can still be requested by message.
	ReconcileInterval time.Duration
	// RequestBuffer is the request channel depth (default 64).
	RequestBuffer int
}

// Engine is the indexing core behind a message boundary. One dispatch
// goroutine receives requests and fans events out to subscribers; the
// worker drains the queue on its own goroutine; searches run
// concurrently with worker cycles, relying on the index's atomic
// operations. Callers hold no reference to the engine's stores.
type Engine struct {
	store    *storage.Store
	vectors  *vecstore.Store
	index    *index.Index
	embedder *embed.Embedder
	worker   *worker.Worker
	recon    *reconcile.Reconciler
	logger   *slog.Logger

	requests chan Request

	mu   sync.Mutex
	subs []chan Event

	// The in-memory index is rebuilt from durable storage on first
	// search. Concurrent searches share one rebuild; a failed rebuild
	// is retried by the next search.
	rebuildFlight singleflight.Group
	built         atomic.Bool

	reconcileEvery time.Duration
}

// New wires an engine over the given store. provider supplies
// embeddings and fixes the index dimension; extractor handles
// attachment payloads.
func New(store *storage.Store, provider embed.Provider, extractor worker.PayloadExtractor, opts Options) *Engine {
	if opts.RequestBuffer <= 0 {
		opts.RequestBuffer = 64
	}

	e := &Engine{
		store:          store,
		vectors:        vecstore.NewStore(store.DB()),
		index:          index.New(provider.Dimensions()),
		logger:         slog.Default(),
		requests:       make(chan Request, opts.RequestBuffer),
		reconcileEvery: opts.ReconcileInterval,
	}
	e.embedder = embed.New(provider, func(p embed.Progress) {
		e.publish(ModelDownloadProgress{Status: p.Status, Completed: p.Completed, Total: p.Total})
	})
	e.worker = worker.NewWorker(store, extractor, e.embedder, e.vectors, e.index, opts.PollInterval)
	e.worker.OnCycle = e.publishStats
	e.recon = reconcile.New(store, store, e.vectors, e.index)
	return e
}

// WarmModel acquires the embedding model ahead of the first job or
// search. A failed warm-up is not fatal; acquisition is retried on the
// next embed.
func (e *Engine) WarmModel(ctx context.Context) {
	if err := e.embedder.EnsureReady(ctx); err != nil {
		e.logger.Warn("model warm-up failed, deferring to first use", "error", err)
	}
}

// Send delivers a request to the dispatch loop. It blocks only while
// the request buffer is full; ctx bounds the wait.
func (e *Engine) Send(ctx context.Context, req Request) error {
	select {
	case e.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers an event channel with the given buffer (default
// 64). Events are dropped for subscribers whose buffer is full, so a
// slow consumer never stalls the engine.
func (e *Engine) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == ch {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			close(s)
			return
		}
	}
}

// publish fans an event out to every subscriber. Sends happen under the
// subscriber lock so Unsubscribe can never close a channel mid-send.
func (e *Engine) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run services requests until ctx is cancelled. It owns the worker
// goroutine and the optional reconcile ticker.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.worker.Run(ctx)
	}()

	var tick <-chan time.Time
	if e.reconcileEvery > 0 {
		ticker := time.NewTicker(e.reconcileEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case req := <-e.requests:
			e.dispatch(ctx, req)
		case <-tick:
			e.runReconcile()
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, req Request) {
	switch m := req.(type) {
	case StartProcessing:
		e.worker.Kick()
	case Search:
		// Searches run off-loop so a slow model load or embed call
		// cannot stall status requests or other searches.
		go e.search(ctx, m)
	case CheckModelStatus:
		e.publish(e.modelStatus())
	case RetryFailed:
		n, err := e.store.RetryFailed()
		if err != nil {
			e.logger.Error("retrying failed items", "error", err)
		} else if n > 0 {
			e.logger.Info("re-queued failed items", "count", n)
			e.worker.Kick()
		}
		e.publishStats()
	case GetStats:
		e.publishStats()
	case DeleteNote:
		e.deleteNote(m.NoteID)
	case Reconcile:
		e.runReconcile()
	default:
		e.logger.Error("unknown request type", "request", fmt.Sprintf("%T", req))
	}
}

func (e *Engine) search(ctx context.Context, req Search) {
	hits, err := e.runSearch(ctx, req)
	if err != nil {
		e.publish(SearchError{Err: err.Error(), CorrelationID: req.CorrelationID})
		return
	}
	e.publish(SearchResults{Hits: hits, CorrelationID: req.CorrelationID})
}

func (e *Engine) runSearch(ctx context.Context, req Search) ([]Hit, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("empty query")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	if err := e.ensureIndex(); err != nil {
		return nil, fmt.Errorf("rebuilding index: %w", err)
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []index.Result
	if req.Hybrid {
		results, err = e.index.HybridSearch(vec, query, limit, req.Threshold)
	} else {
		results, err = e.index.Search(vec, limit, req.Threshold)
	}
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			NoteID:     r.NoteID,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Content,
			Score:      r.Score,
		}
	}
	return hits, nil
}

// ensureIndex rebuilds the in-memory index from durable storage on
// first use. Records whose vector length does not match the active
// dimension are dropped from the index and deleted durably; they are
// leftovers of an embedding model change and re-embedding is the only
// way back.
func (e *Engine) ensureIndex() error {
	if e.built.Load() {
		return nil
	}

	_, err, _ := e.rebuildFlight.Do("rebuild", func() (any, error) {
		if e.built.Load() {
			return nil, nil
		}

		records, err := e.vectors.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("loading vectors: %w", err)
		}

		var stale []string
		inserted := 0
		for _, rec := range records {
			if len(rec.Embedding) != e.index.Dims() {
				stale = append(stale, rec.ID)
				continue
			}
			entry := index.Entry{
				ID:         rec.ID,
				NoteID:     rec.NoteID,
				ChunkIndex: rec.ChunkIndex,
				Content:    rec.Content,
				Embedding:  rec.Embedding,
			}
			if err := e.index.Insert(entry); err != nil {
				// The worker mirrored this key before the first
				// search; the copy already present is as fresh.
				if errors.Is(err, index.ErrDuplicateKey) {
					continue
				}
				return nil, fmt.Errorf("indexing %s: %w", rec.ID, err)
			}
			inserted++
		}

		if len(stale) > 0 {
			if err := e.vectors.DeleteIDs(stale); err != nil {
				return nil, fmt.Errorf("purging mismatched vectors: %w", err)
			}
			e.logger.Info("purged vectors with stale dimensions",
				"count", len(stale), "dims", e.index.Dims())
		}

		e.logger.Info("index rebuilt", "entries", inserted)
		e.built.Store(true)
		return nil, nil
	})
	return err
}

func (e *Engine) modelStatus() ModelStatus {
	state, lastErr := e.embedder.State()
	switch state {
	case embed.StateLoading:
		return ModelStatus{State: ModelDownloading}
	case embed.StateReady:
		return ModelStatus{State: ModelReady}
	case embed.StateError:
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		return ModelStatus{State: ModelError, Err: msg}
	default:
		return ModelStatus{State: ModelUnloaded}
	}
}

func (e *Engine) publishStats() {
	stats, err := e.store.Stats()
	if err != nil {
		e.logger.Error("reading queue stats", "error", err)
		return
	}
	completed, err := e.vectors.NoteCount()
	if err != nil {
		e.logger.Error("counting embedded notes", "error", err)
		return
	}
	e.publish(StatsUpdate{
		Pending:   stats.Pending,
		Failed:    stats.Failed,
		Completed: completed,
	})
}

// deleteNote removes the engine-side traces of a note: queue rows,
// durable vectors and index entries. Safe against a racing re-embed in
// either order; the reconciler cleans up whichever side loses.
func (e *Engine) deleteNote(noteID string) {
	if err := e.store.DeleteJobsForNote(noteID); err != nil {
		e.logger.Error("deleting note queue rows", "note_id", noteID, "error", err)
	}
	if _, err := e.vectors.DeleteNote(noteID); err != nil {
		e.logger.Error("deleting note vectors", "note_id", noteID, "error", err)
	}
	e.index.RemoveNote(noteID)
	e.publishStats()
}

func (e *Engine) runReconcile() {
	res, err := e.recon.Run()
	if err != nil {
		e.logger.Error("reconciliation failed", "error", err)
		return
	}
	if res.Enqueued > 0 {
		e.worker.Kick()
	}
	e.publish(ReconcileDone{
		Enqueued:        res.Enqueued,
		OrphanedVectors: res.OrphanedVectors,
		OrphanedJobs:    res.OrphanedJobs,
	})
	e.publishStats()
}
