package reconcile

import (
	"testing"
	"time"

	"github.com/notevec/notevec/internal/index"
	"github.com/notevec/notevec/internal/storage"
	"github.com/notevec/notevec/internal/vecstore"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestReconciler(t *testing.T, store *storage.Store) (*Reconciler, *vecstore.Store, *index.Index) {
	t.Helper()
	vectors := vecstore.NewStore(store.DB())
	idx := index.New(3)
	return New(store, store, vectors, idx), vectors, idx
}

func saveNote(t *testing.T, store *storage.Store, id, content string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.SaveNote(storage.Note{
		ID:        id,
		Title:     "Note " + id,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("SaveNote %s: %v", id, err)
	}
}

func seedVectors(t *testing.T, vectors *vecstore.Store, noteID string) {
	t.Helper()
	_, err := vectors.ReplaceNote(noteID, []vecstore.Chunk{
		{Content: "chunk", Embedding: []float32{0.1, 0.2, 0.3}},
	})
	if err != nil {
		t.Fatalf("seedVectors %s: %v", noteID, err)
	}
}

func jobCount(t *testing.T, store *storage.Store, noteID string) int {
	t.Helper()
	var n int
	err := store.DB().QueryRow(`SELECT COUNT(*) FROM jobs WHERE note_id = ?`, noteID).Scan(&n)
	if err != nil {
		t.Fatalf("jobCount %s: %v", noteID, err)
	}
	return n
}

func TestRun_EnqueuesMissingNotes(t *testing.T) {
	store := openTestStore(t)
	r, _, _ := newTestReconciler(t, store)
	saveNote(t, store, "n1", "some content")

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1", res.Enqueued)
	}

	var status string
	if err := store.DB().QueryRow(`SELECT status FROM jobs WHERE note_id = 'n1'`).Scan(&status); err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != "pending_embedding" {
		t.Errorf("status = %q, want pending_embedding", status)
	}

	// The freshly enqueued job guards the second pass.
	res, err = r.Run()
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Enqueued != 0 {
		t.Errorf("second pass Enqueued = %d, want 0", res.Enqueued)
	}
	if n := jobCount(t, store, "n1"); n != 1 {
		t.Errorf("job rows = %d, want 1", n)
	}
}

func TestRun_SkipsNotesWithVectors(t *testing.T) {
	store := openTestStore(t)
	r, vectors, _ := newTestReconciler(t, store)
	saveNote(t, store, "n2", "embedded already")
	seedVectors(t, vectors, "n2")

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Enqueued != 0 {
		t.Errorf("Enqueued = %d, want 0", res.Enqueued)
	}
	if n := jobCount(t, store, "n2"); n != 0 {
		t.Errorf("job rows = %d, want 0", n)
	}
}

func TestRun_SkipsNotesWithPendingJob(t *testing.T) {
	store := openTestStore(t)
	r, _, _ := newTestReconciler(t, store)
	saveNote(t, store, "n3", "queued already")
	if _, err := store.EnqueueText("n3", "queued already"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Enqueued != 0 {
		t.Errorf("Enqueued = %d, want 0", res.Enqueued)
	}
	if n := jobCount(t, store, "n3"); n != 1 {
		t.Errorf("job rows = %d, want 1", n)
	}
}

func TestRun_PurgesTerminalRowsBeforeEnqueue(t *testing.T) {
	store := openTestStore(t)
	r, _, _ := newTestReconciler(t, store)
	saveNote(t, store, "n4", "failed before")

	// A parked row from an earlier attempt.
	if _, err := store.EnqueueText("n4", "failed before"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	_, err := store.DB().Exec(`UPDATE jobs SET status = 'failed', retry_count = 3, last_error = 'boom' WHERE note_id = 'n4'`)
	if err != nil {
		t.Fatalf("seeding failed row: %v", err)
	}

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Enqueued != 1 {
		t.Errorf("Enqueued = %d, want 1", res.Enqueued)
	}

	rows, err := store.DB().Query(`SELECT status, retry_count FROM jobs WHERE note_id = 'n4'`)
	if err != nil {
		t.Fatalf("query jobs: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var status string
		var retries int
		if err := rows.Scan(&status, &retries); err != nil {
			t.Fatalf("scan: %v", err)
		}
		count++
		if status != "pending_embedding" || retries != 0 {
			t.Errorf("row: status=%q retries=%d, want fresh pending_embedding/0", status, retries)
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if count != 1 {
		t.Errorf("job rows = %d, want exactly the fresh one", count)
	}
}

func TestRun_DeletesOrphanedVectors(t *testing.T) {
	store := openTestStore(t)
	r, vectors, idx := newTestReconciler(t, store)

	// Vectors and an index entry for a note that no longer exists.
	seedVectors(t, vectors, "ghost")
	err := idx.Insert(index.Entry{ID: "ghost_0", NoteID: "ghost", Content: "chunk", Embedding: []float32{0.1, 0.2, 0.3}})
	if err != nil {
		t.Fatalf("seeding index: %v", err)
	}

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OrphanedVectors != 1 {
		t.Errorf("OrphanedVectors = %d, want 1", res.OrphanedVectors)
	}

	n, err := vectors.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("durable vectors = %d, want 0", n)
	}
	if idx.Len() != 0 {
		t.Errorf("index entries = %d, want 0", idx.Len())
	}
}

func TestRun_PurgesOrphanedJobRows(t *testing.T) {
	store := openTestStore(t)
	r, _, _ := newTestReconciler(t, store)

	// A terminal row and a pending row for deleted notes.
	if _, err := store.EnqueueText("ghost2", "gone"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE jobs SET status = 'completed' WHERE note_id = 'ghost2'`); err != nil {
		t.Fatalf("seeding completed row: %v", err)
	}
	if _, err := store.EnqueueText("ghost3", "also gone"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OrphanedJobs != 2 {
		t.Errorf("OrphanedJobs = %d, want 2", res.OrphanedJobs)
	}
	if n := jobCount(t, store, "ghost2") + jobCount(t, store, "ghost3"); n != 0 {
		t.Errorf("orphaned rows remaining = %d, want 0", n)
	}
}

func TestRun_SkipsBlankNotes(t *testing.T) {
	store := openTestStore(t)
	r, _, _ := newTestReconciler(t, store)
	saveNote(t, store, "blank", "   \n\t ")

	res, err := r.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Enqueued != 0 {
		t.Errorf("Enqueued = %d, want 0", res.Enqueued)
	}
}

func TestRun_CleanStateIsNoOp(t *testing.T) {
	store := openTestStore(t)
	r, vectors, _ := newTestReconciler(t, store)

	// A fully consistent note: live, embedded, with a completed row.
	saveNote(t, store, "n5", "all good")
	seedVectors(t, vectors, "n5")
	if _, err := store.EnqueueText("n5", "all good"); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	if _, err := store.DB().Exec(`UPDATE jobs SET status = 'completed' WHERE note_id = 'n5'`); err != nil {
		t.Fatalf("seeding completed row: %v", err)
	}

	for i := 1; i <= 2; i++ {
		res, err := r.Run()
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if !res.clean() {
			t.Errorf("pass %d: %+v, want clean no-op", i, res)
		}
	}
	if n := jobCount(t, store, "n5"); n != 1 {
		t.Errorf("job rows = %d, want the untouched completed row", n)
	}
}
