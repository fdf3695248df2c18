package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/notevec/notevec/internal/indexer"
	"github.com/notevec/notevec/internal/storage"
)

const testToken = "test-token-12345"

type mockEngine struct {
	searchFn    func(ctx context.Context, query string, limit int, threshold float32, hybrid bool) ([]indexer.Hit, error)
	statsFn     func(ctx context.Context) (indexer.StatsUpdate, error)
	modelFn     func(ctx context.Context) (indexer.ModelStatus, error)
	retryFn     func(ctx context.Context) (indexer.StatsUpdate, error)
	reconcileFn func(ctx context.Context) (indexer.ReconcileDone, error)

	started int
	deleted []string
}

func (m *mockEngine) Search(ctx context.Context, query string, limit int, threshold float32, hybrid bool) ([]indexer.Hit, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, query, limit, threshold, hybrid)
	}
	return nil, nil
}

func (m *mockEngine) Stats(ctx context.Context) (indexer.StatsUpdate, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return indexer.StatsUpdate{}, nil
}

func (m *mockEngine) ModelStatus(ctx context.Context) (indexer.ModelStatus, error) {
	if m.modelFn != nil {
		return m.modelFn(ctx)
	}
	return indexer.ModelStatus{State: indexer.ModelUnloaded}, nil
}

func (m *mockEngine) RetryFailed(ctx context.Context) (indexer.StatsUpdate, error) {
	if m.retryFn != nil {
		return m.retryFn(ctx)
	}
	return indexer.StatsUpdate{}, nil
}

func (m *mockEngine) Reconcile(ctx context.Context) (indexer.ReconcileDone, error) {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx)
	}
	return indexer.ReconcileDone{}, nil
}

func (m *mockEngine) StartProcessing(ctx context.Context) error {
	m.started++
	return nil
}

func (m *mockEngine) DeleteNote(ctx context.Context, noteID string) error {
	m.deleted = append(m.deleted, noteID)
	return nil
}

func setupHandler(t *testing.T, token string) (http.Handler, *storage.Store, *mockEngine) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	eng := &mockEngine{}
	handler := NewHandler(Deps{
		Store:  store,
		Engine: eng,
		Token:  token,
	})
	return handler, store, eng
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func countJobs(t *testing.T, store *storage.Store, where string, args ...any) int {
	t.Helper()
	var n int
	err := store.DB().QueryRow("SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&n)
	if err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	return n
}

func seedNote(t *testing.T, store *storage.Store, id, content string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.SaveNote(storage.Note{
		ID: id, Title: id, Content: content, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveNote(%s) failed: %v", id, err)
	}
}

func TestCreateNote_Text(t *testing.T) {
	h, store, eng := setupHandler(t, testToken)

	body := `{"title":"Go","content":"I prefer Go for tooling"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["status"] != "queued" {
		t.Errorf("status = %q, want %q", resp["status"], "queued")
	}
	if resp["id"] == "" {
		t.Fatal("response missing id")
	}

	note, err := store.GetNote(resp["id"])
	if err != nil {
		t.Fatalf("GetNote(%q) failed: %v", resp["id"], err)
	}
	if note.Content != "I prefer Go for tooling" {
		t.Errorf("note.Content = %q, want the posted content", note.Content)
	}
	if got := countJobs(t, store, "note_id = ? AND status = ?", resp["id"], storage.StatusPendingEmbedding); got != 1 {
		t.Errorf("pending embedding jobs = %d, want 1", got)
	}
	if eng.started != 1 {
		t.Errorf("worker wake count = %d, want 1", eng.started)
	}
}

func TestCreateNote_WithAttachment(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	encoded := base64.StdEncoding.EncodeToString([]byte("fake image bytes"))
	body := fmt.Sprintf(`{"content":"see attachment","attachments":[{"mime":"image/png","data":"%s"}]}`, encoded)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)

	if got := countJobs(t, store, "note_id = ? AND status = ?", resp["id"], storage.StatusPendingEmbedding); got != 1 {
		t.Errorf("pending embedding jobs = %d, want 1", got)
	}
	if got := countJobs(t, store, "note_id = ? AND status = ? AND kind = ?", resp["id"], storage.StatusPendingExtraction, storage.KindImage); got != 1 {
		t.Errorf("pending extraction image jobs = %d, want 1", got)
	}
}

func TestCreateNote_AttachmentOnly(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	encoded := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	body := fmt.Sprintf(`{"attachments":[{"mime":"application/pdf","data":"%s"}]}`, encoded)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", body, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if got := countJobs(t, store, "note_id = ?", resp["id"]); got != 1 {
		t.Errorf("jobs = %d, want just the extraction item", got)
	}
	if got := countJobs(t, store, "note_id = ? AND kind = ?", resp["id"], storage.KindDocument); got != 1 {
		t.Errorf("document jobs = %d, want 1", got)
	}
}

func TestCreateNote_MissingContent(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", `{"title":"empty"}`, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateNote_BadBase64(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	body := `{"attachments":[{"mime":"image/png","data":"@@not-base64@@"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", body, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	// Validation happens before any write.
	notes, err := store.ListNotes(10)
	if err != nil {
		t.Fatalf("ListNotes failed: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("notes after rejected request = %d, want 0", len(notes))
	}
}

func TestCreateNote_MissingMIME(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	encoded := base64.StdEncoding.EncodeToString([]byte("payload"))
	body := fmt.Sprintf(`{"attachments":[{"data":"%s"}]}`, encoded)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", body, testToken))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestCreateNote_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/notes", `{"content":"hello"}`, ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestUpdateNote_ReplacesAndRequeues(t *testing.T) {
	h, store, eng := setupHandler(t, testToken)

	seedNote(t, store, "n1", "old content")
	created, err := store.GetNote("n1")
	if err != nil {
		t.Fatalf("GetNote failed: %v", err)
	}
	if _, err := store.EnqueueText("n1", "old content"); err != nil {
		t.Fatalf("EnqueueText failed: %v", err)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPut, "/notes/n1", `{"title":"n1","content":"new content"}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	note, err := store.GetNote("n1")
	if err != nil {
		t.Fatalf("GetNote after update failed: %v", err)
	}
	if note.Content != "new content" {
		t.Errorf("note.Content = %q, want %q", note.Content, "new content")
	}
	if !note.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created.CreatedAt, note.CreatedAt)
	}

	// The stale item is gone; exactly one fresh item carries the new text.
	if got := countJobs(t, store, "note_id = ?", "n1"); got != 1 {
		t.Fatalf("jobs after update = %d, want 1", got)
	}
	if got := countJobs(t, store, "note_id = ? AND content = ?", "n1", "new content"); got != 1 {
		t.Errorf("fresh jobs = %d, want 1", got)
	}
	if eng.started != 1 {
		t.Errorf("worker wake count = %d, want 1", eng.started)
	}
}

func TestUpdateNote_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPut, "/notes/nonexistent", `{"content":"x"}`, testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestDeleteNote(t *testing.T) {
	h, store, eng := setupHandler(t, testToken)

	seedNote(t, store, "n1", "to be deleted")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/notes/n1", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	if _, err := store.GetNote("n1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetNote after delete = %v, want ErrNotFound", err)
	}
	if len(eng.deleted) != 1 || eng.deleted[0] != "n1" {
		t.Errorf("engine delete requests = %v, want [n1]", eng.deleted)
	}
}

func TestDeleteNote_NotFound(t *testing.T) {
	h, _, eng := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodDelete, "/notes/nonexistent", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if len(eng.deleted) != 0 {
		t.Errorf("engine delete requests = %v, want none", eng.deleted)
	}
}

func TestGetNote(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	seedNote(t, store, "n1", "note body")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/notes/n1", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var got storage.Note
	json.NewDecoder(rr.Body).Decode(&got)
	if got.ID != "n1" || got.Content != "note body" {
		t.Errorf("note = %+v, want n1 with its body", got)
	}
}

func TestGetNote_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/notes/nonexistent", "", testToken))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestListNotes_Limit(t *testing.T) {
	h, store, _ := setupHandler(t, testToken)

	for i := 0; i < 3; i++ {
		seedNote(t, store, fmt.Sprintf("n%d", i), "content")
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/notes?limit=2", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var notes []storage.Note
	json.NewDecoder(rr.Body).Decode(&notes)
	if len(notes) != 2 {
		t.Fatalf("got %d notes, want 2", len(notes))
	}
}

func TestListNotes_Empty(t *testing.T) {
	h, _, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/notes", "", testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	body := strings.TrimSpace(rr.Body.String())
	if body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}
