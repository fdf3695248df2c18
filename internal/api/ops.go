package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/notevec/notevec/internal/indexer"
)

const maxSearchBodySize = 1 << 20 // 1MB

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	// Threshold is optional; omitted means the default cutoff. An
	// explicit 0 disables filtering.
	Threshold *float32 `json:"threshold"`
	Hybrid    bool     `json:"hybrid"`
}

type SearchHit struct {
	NoteID     string  `json:"note_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxSearchBodySize)
		defer r.Body.Close()

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		threshold := float32(indexer.DefaultSearchThreshold)
		if req.Threshold != nil {
			threshold = *req.Threshold
		}

		hits, err := deps.Engine.Search(r.Context(), req.Query, req.Limit, threshold, req.Hybrid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		results := make([]SearchHit, len(hits))
		for i, h := range hits {
			results[i] = SearchHit{
				NoteID:     h.NoteID,
				ChunkIndex: h.ChunkIndex,
				Text:       h.Text,
				Score:      h.Score,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Engine.Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get stats: %v", err)
			return
		}
		writeStats(w, stats)
	}
}

func handleModelStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Engine.ModelStatus(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get model status: %v", err)
			return
		}

		resp := map[string]string{"state": string(status.State)}
		if status.Err != "" {
			resp["error"] = status.Err
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleRetryFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Engine.RetryFailed(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry: %v", err)
			return
		}
		writeStats(w, stats)
	}
}

func handleReconcile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Engine.Reconcile(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconciliation failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"enqueued":         res.Enqueued,
			"orphaned_vectors": res.OrphanedVectors,
			"orphaned_jobs":    res.OrphanedJobs,
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeStats(w http.ResponseWriter, stats indexer.StatsUpdate) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"pending":         stats.Pending,
		"failed":          stats.Failed,
		"completed_notes": stats.Completed,
	})
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
