package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/notevec/notevec/internal/indexer"
	"github.com/notevec/notevec/internal/storage"
)

const maxNoteBodySize = 10 << 20 // 10MB

// EngineClient abstracts the indexing engine for the API layer.
type EngineClient interface {
	Search(ctx context.Context, query string, limit int, threshold float32, hybrid bool) ([]indexer.Hit, error)
	Stats(ctx context.Context) (indexer.StatsUpdate, error)
	ModelStatus(ctx context.Context) (indexer.ModelStatus, error)
	RetryFailed(ctx context.Context) (indexer.StatsUpdate, error)
	Reconcile(ctx context.Context) (indexer.ReconcileDone, error)
	StartProcessing(ctx context.Context) error
	DeleteNote(ctx context.Context, noteID string) error
}

type Deps struct {
	Store  *storage.Store
	Engine EngineClient
	Token  string
}

// NewHandler returns the HTTP surface. Everything except the health
// probe requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/notes", handleCreateNote(deps))
		r.Get("/notes", handleListNotes(deps))
		r.Get("/notes/{id}", handleGetNote(deps))
		r.Put("/notes/{id}", handleUpdateNote(deps))
		r.Delete("/notes/{id}", handleDeleteNote(deps))

		r.Post("/search", handleSearch(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/model", handleModelStatus(deps))
		r.Post("/retry", handleRetryFailed(deps))
		r.Post("/reconcile", handleReconcile(deps))
	})

	return r
}

type NoteRequest struct {
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a base64-encoded payload with its declared MIME type.
type Attachment struct {
	MIME string `json:"mime"`
	Data string `json:"data"`
}

// decodeAttachments validates and decodes every attachment up front, so
// a malformed one rejects the request before any row is written.
func decodeAttachments(attachments []Attachment) ([][]byte, error) {
	decoded := make([][]byte, len(attachments))
	for i, a := range attachments {
		if a.MIME == "" {
			return nil, fmt.Errorf("attachment %d: mime is required", i)
		}
		data, err := base64.StdEncoding.DecodeString(a.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: invalid base64 data", i)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("attachment %d: data is empty", i)
		}
		decoded[i] = data
	}
	return decoded, nil
}

// enqueueNote queues the indexing work for a note's content and
// attachments and wakes the worker.
func enqueueNote(ctx context.Context, deps Deps, noteID, content string, attachments []Attachment, payloads [][]byte) error {
	if strings.TrimSpace(content) != "" {
		if _, err := deps.Store.EnqueueText(noteID, content); err != nil {
			return fmt.Errorf("enqueueing text: %w", err)
		}
	}
	for i, a := range attachments {
		if _, err := deps.Store.EnqueueAttachment(noteID, payloads[i], a.MIME); err != nil {
			return fmt.Errorf("enqueueing attachment %d: %w", i, err)
		}
	}
	if err := deps.Engine.StartProcessing(ctx); err != nil {
		// The worker's idle poll picks the items up anyway.
		slog.Warn("waking worker", "error", err)
	}
	return nil
}

func handleCreateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxNoteBodySize)
		defer r.Body.Close()

		var req NoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or attachments is required")
			return
		}
		payloads, err := decodeAttachments(req.Attachments)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		noteID := uuid.New().String()
		now := time.Now().UTC()
		note := storage.Note{
			ID:        noteID,
			Title:     req.Title,
			Content:   req.Content,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := deps.Store.SaveNote(note); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save note: %v", err)
			return
		}
		if err := enqueueNote(r.Context(), deps, noteID, req.Content, req.Attachments, payloads); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     noteID,
			"status": "queued",
		})
	}
}

func handleUpdateNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxNoteBodySize)
		defer r.Body.Close()

		id := chi.URLParam(r, "id")

		var req NoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or attachments is required")
			return
		}
		payloads, err := decodeAttachments(req.Attachments)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		existing, err := deps.Store.GetNote(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		// Stale queue rows would race the fresh enqueue; the vectors of
		// the old content are replaced when the new work completes.
		if err := deps.Store.DeleteJobsForNote(id); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queued work: %v", err)
			return
		}

		note := storage.Note{
			ID:        id,
			Title:     req.Title,
			Content:   req.Content,
			CreatedAt: existing.CreatedAt,
			UpdatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveNote(note); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save note: %v", err)
			return
		}
		if err := enqueueNote(r.Context(), deps, id, req.Content, req.Attachments, payloads); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     id,
			"status": "queued",
		})
	}
}

func handleDeleteNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.DeleteNote(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete note: %v", err)
			return
		}

		// Queue rows, vectors and index entries follow asynchronously;
		// the reconciler covers a lost message.
		if err := deps.Engine.DeleteNote(r.Context(), id); err != nil {
			slog.Warn("requesting index cleanup", "note_id", id, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleListNotes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		notes, err := deps.Store.ListNotes(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notes: %v", err)
			return
		}
		if notes == nil {
			notes = []storage.Note{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(notes)
	}
}

func handleGetNote(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		note, err := deps.Store.GetNote(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "note not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get note: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(note)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
