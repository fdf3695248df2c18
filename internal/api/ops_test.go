package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/notevec/notevec/internal/indexer"
)

func TestSearch_Results(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	var gotQuery string
	var gotLimit int
	eng.searchFn = func(_ context.Context, query string, limit int, _ float32, _ bool) ([]indexer.Hit, error) {
		gotQuery, gotLimit = query, limit
		return []indexer.Hit{
			{NoteID: "n1", ChunkIndex: 0, Text: "first chunk", Score: 0.9},
			{NoteID: "n2", ChunkIndex: 3, Text: "other chunk", Score: 0.4},
		}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"go tooling","limit":7}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	if gotQuery != "go tooling" {
		t.Errorf("query passed to engine = %q, want %q", gotQuery, "go tooling")
	}
	if gotLimit != 7 {
		t.Errorf("limit passed to engine = %d, want 7", gotLimit)
	}

	var resp struct {
		Results []SearchHit `json:"results"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	if resp.Results[0].NoteID != "n1" || resp.Results[0].Score != 0.9 {
		t.Errorf("first result = %+v, want n1 at 0.9", resp.Results[0])
	}
	if resp.Results[1].ChunkIndex != 3 {
		t.Errorf("second result chunk = %d, want 3", resp.Results[1].ChunkIndex)
	}
}

func TestSearch_DefaultThreshold(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	var gotThreshold float32 = -1
	eng.searchFn = func(_ context.Context, _ string, _ int, threshold float32, _ bool) ([]indexer.Hit, error) {
		gotThreshold = threshold
		return nil, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"x"}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if gotThreshold != indexer.DefaultSearchThreshold {
		t.Errorf("threshold = %v, want the default %v", gotThreshold, indexer.DefaultSearchThreshold)
	}
}

func TestSearch_ExplicitZeroThreshold(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	var gotThreshold float32 = -1
	eng.searchFn = func(_ context.Context, _ string, _ int, threshold float32, _ bool) ([]indexer.Hit, error) {
		gotThreshold = threshold
		return nil, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"x","threshold":0}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if gotThreshold != 0 {
		t.Errorf("threshold = %v, want explicit 0 preserved", gotThreshold)
	}
}

func TestSearch_HybridFlag(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	var gotHybrid bool
	eng.searchFn = func(_ context.Context, _ string, _ int, _ float32, hybrid bool) ([]indexer.Hit, error) {
		gotHybrid = hybrid
		return nil, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"x","hybrid":true}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !gotHybrid {
		t.Error("hybrid flag not passed to engine")
	}
}

func TestSearch_EmptyResults(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"nothing indexed"}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]json.RawMessage
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if string(resp["results"]) != "[]" {
		t.Errorf("results = %s, want []", resp["results"])
	}
}

func TestSearch_MissingQuery(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"limit":5}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSearch_EngineError(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	eng.searchFn = func(_ context.Context, _ string, _ int, _ float32, _ bool) ([]indexer.Hit, error) {
		return nil, errors.New("model unavailable")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/search", `{"query":"x"}`, testToken))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	eng.statsFn = func(_ context.Context) (indexer.StatsUpdate, error) {
		return indexer.StatsUpdate{Pending: 3, Failed: 1, Completed: 7}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["pending"] != 3 || resp["failed"] != 1 || resp["completed_notes"] != 7 {
		t.Errorf("stats = %v, want pending 3, failed 1, completed_notes 7", resp)
	}
}

func TestModelStatusEndpoint(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	eng.modelFn = func(_ context.Context) (indexer.ModelStatus, error) {
		return indexer.ModelStatus{State: indexer.ModelReady}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/model", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["state"] != string(indexer.ModelReady) {
		t.Errorf("state = %q, want %q", resp["state"], indexer.ModelReady)
	}
	if _, hasErr := resp["error"]; hasErr {
		t.Error("error field present for a healthy model")
	}
}

func TestModelStatusEndpoint_Error(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	eng.modelFn = func(_ context.Context) (indexer.ModelStatus, error) {
		return indexer.ModelStatus{State: indexer.ModelError, Err: "pull failed"}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/model", "", testToken))

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["state"] != string(indexer.ModelError) {
		t.Errorf("state = %q, want %q", resp["state"], indexer.ModelError)
	}
	if resp["error"] != "pull failed" {
		t.Errorf("error = %q, want %q", resp["error"], "pull failed")
	}
}

func TestRetryEndpoint(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	called := false
	eng.retryFn = func(_ context.Context) (indexer.StatsUpdate, error) {
		called = true
		return indexer.StatsUpdate{Pending: 2}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/retry", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !called {
		t.Fatal("retry never reached the engine")
	}

	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["pending"] != 2 {
		t.Errorf("pending = %d, want 2", resp["pending"])
	}
}

func TestReconcileEndpoint(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	eng.reconcileFn = func(_ context.Context) (indexer.ReconcileDone, error) {
		return indexer.ReconcileDone{Enqueued: 2, OrphanedVectors: 1}, nil
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/reconcile", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["enqueued"] != 2 || resp["orphaned_vectors"] != 1 || resp["orphaned_jobs"] != 0 {
		t.Errorf("reconcile response = %v, want enqueued 2, orphaned_vectors 1, orphaned_jobs 0", resp)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}
