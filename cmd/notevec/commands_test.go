package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/notevec/notevec/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAddCommand_Payload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /notes": `{"id":"note-123","status":"queued"}`,
	})

	client := ts.client()

	req := map[string]any{
		"title":   "Planning sync",
		"content": "hello world",
	}

	resp, err := client.post(ctx, "/notes", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if result["status"] != "queued" {
		t.Errorf("status = %q, want %q", result["status"], "queued")
	}
	if result["id"] != "note-123" {
		t.Errorf("id = %q, want %q", result["id"], "note-123")
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}

	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Path != "/notes" {
		t.Errorf("path = %q, want /notes", r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["content"] != "hello world" {
		t.Errorf("body.content = %v, want hello world", body["content"])
	}
	if body["title"] != "Planning sync" {
		t.Errorf("body.title = %v, want Planning sync", body["title"])
	}
}

func TestAddCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"add"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing args")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestLoadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.png")
	payload := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := loadAttachment(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.MIME != "image/png" {
		t.Errorf("mime = %q, want image/png", a.MIME)
	}
	decoded, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		t.Fatalf("data is not valid base64: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Error("decoded data does not match the file contents")
	}
}

// TestLoadAttachment_SniffsUnknownExtension verifies content sniffing
// covers files whose extension has no registered MIME type.
func TestLoadAttachment_SniffsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.snapshot")
	payload := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := loadAttachment(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.MIME != "image/png" {
		t.Errorf("mime = %q, want image/png from sniffing", a.MIME)
	}
}

func TestLoadAttachment_MissingFile(t *testing.T) {
	_, err := loadAttachment(filepath.Join(t.TempDir(), "absent.pdf"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSearchRequest_DefaultThresholdOmitted(t *testing.T) {
	req := searchRequest("pooling", 5, 0, false, false)

	if req["query"] != "pooling" {
		t.Errorf("query = %v, want pooling", req["query"])
	}
	if req["limit"] != 5 {
		t.Errorf("limit = %v, want 5", req["limit"])
	}
	if _, ok := req["threshold"]; ok {
		t.Error("threshold should be omitted when the flag is not set")
	}
	if _, ok := req["hybrid"]; ok {
		t.Error("hybrid should be omitted when false")
	}
}

func TestSearchRequest_ExplicitZeroThreshold(t *testing.T) {
	req := searchRequest("pooling", 5, 0, true, true)

	th, ok := req["threshold"]
	if !ok {
		t.Fatal("threshold missing despite the flag being set")
	}
	if th != float32(0) {
		t.Errorf("threshold = %v, want 0", th)
	}
	if req["hybrid"] != true {
		t.Errorf("hybrid = %v, want true", req["hybrid"])
	}
}

func TestSearchCommand_Results(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /search": `{"results":[{"note_id":"n1","chunk_index":0,"text":"I prefer Go","score":0.95}]}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/search", searchRequest("go preferences", 5, 0, false, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Results []struct {
			NoteID string  `json:"note_id"`
			Text   string  `json:"text"`
			Score  float32 `json:"score"`
		} `json:"results"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(out.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out.Results))
	}
	if out.Results[0].Text != "I prefer Go" {
		t.Errorf("text = %q, want 'I prefer Go'", out.Results[0].Text)
	}
	if out.Results[0].Score < 0.9 {
		t.Errorf("score = %f, want > 0.9", out.Results[0].Score)
	}
}

func TestNotesList_Decoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /notes": `[{"ID":"7f3b2a10-0000-0000-0000-000000000000","Title":"Planning","Content":"agenda","CreatedAt":"2026-03-01T09:00:00Z","UpdatedAt":"2026-03-02T10:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/notes?limit=20")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var notes []struct {
		ID    string `json:"ID"`
		Title string `json:"Title"`
	}
	if err := decodeJSON(resp, &notes); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
	if notes[0].Title != "Planning" {
		t.Errorf("title = %q, want Planning", notes[0].Title)
	}
	if !strings.Contains(ts.requests[0].Path, "limit=20") {
		t.Errorf("path = %q, want it to carry limit=20", ts.requests[0].Path)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	_, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/stats")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4400

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4400" {
			found = true
		}
	}
	if !found {
		t.Error("expected to find server.port=4400 in ShowAll output")
	}
}
