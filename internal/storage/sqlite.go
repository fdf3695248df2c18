package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for notes and the indexing
// job queue. A single Store owns the file; vector rows live in the same
// database and are managed by vecstore over the shared *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "notevec.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for packages that share the database file,
// such as the vector store. Callers must not close it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Notes ---

// SaveNote inserts a note or, when the id already exists, updates its title,
// content and updated_at while keeping created_at.
func (s *Store) SaveNote(n Note) error {
	now := time.Now().UTC()
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := n.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO notes (id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, updated_at = excluded.updated_at`,
		n.ID, n.Title, n.Content,
		createdAt.Format(time.RFC3339), updatedAt.Format(time.RFC3339),
	)
	return err
}

// GetNote returns a note by id, or ErrNotFound.
func (s *Store) GetNote(id string) (Note, error) {
	var n Note
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, title, content, created_at, updated_at
		FROM notes WHERE id = ?`, id,
	).Scan(&n.ID, &n.Title, &n.Content, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, err
	}
	if n.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Note{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Note{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return n, nil
}

// ListNotes returns the most recently updated notes.
func (s *Store) ListNotes(limit int) ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, created_at, updated_at
		FROM notes ORDER BY updated_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// AllNotes returns every note. Used by reconciliation to compare the note set
// against the vector store.
func (s *Store) AllNotes() ([]Note, error) {
	rows, err := s.db.Query(`
		SELECT id, title, content, created_at, updated_at
		FROM notes ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

func scanNotes(rows *sql.Rows) ([]Note, error) {
	var results []Note
	for rows.Next() {
		var n Note
		var createdAt, updatedAt string
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		n.CreatedAt = t
		if t, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		n.UpdatedAt = t
		results = append(results, n)
	}
	return results, rows.Err()
}

// DeleteNote removes a note row. Queue rows and vectors are removed separately
// by the engine's delete path.
func (s *Store) DeleteNote(id string) error {
	res, err := s.db.Exec("DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = "id, note_id, kind, content, blob, mime_type, status, retry_count, last_error, enqueued_at, run_after, updated_at"

// EnqueueText adds a plain-text indexing job. Text items skip extraction and
// are born ready for embedding.
func (s *Store) EnqueueText(noteID, text string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO jobs (note_id, kind, content, blob, mime_type, status, retry_count, last_error, enqueued_at, run_after, updated_at)
		VALUES (?, ?, ?, NULL, '', ?, 0, '', ?, ?, ?)`,
		noteID, KindText, text, StatusPendingEmbedding, now, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EnqueueAttachment adds an indexing job whose payload must be extracted to
// text before it can be embedded. The kind is derived from the MIME type.
func (s *Store) EnqueueAttachment(noteID string, data []byte, mimeType string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO jobs (note_id, kind, content, blob, mime_type, status, retry_count, last_error, enqueued_at, run_after, updated_at)
		VALUES (?, ?, NULL, ?, ?, ?, 0, '', ?, ?, ?)`,
		noteID, KindForMIME(mimeType), data, mimeType, StatusPendingExtraction, now, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextJob returns the oldest eligible pending job, or nil when the queue has
// no work whose run_after has passed. Ordering is FIFO by enqueue time with
// the id as tie-break; run_after only gates eligibility.
func (s *Store) NextJob() (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	row := s.db.QueryRow(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?) AND run_after <= ?
		ORDER BY enqueued_at ASC, id ASC
		LIMIT 1`,
		StatusPendingExtraction, StatusPendingEmbedding, now,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(id int64) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// MarkExtracted narrows an extraction job to a text job: the blob payload is
// replaced by the extracted text and the item moves to the embedding stage.
// A crash after this point re-embeds the text rather than re-extracting.
func (s *Store) MarkExtracted(id int64, text string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs
		SET kind = ?, content = ?, blob = NULL, mime_type = '', status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		KindText, text, StatusPendingEmbedding, now, id, StatusPendingExtraction,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TextsForNote returns the note's text payloads in queue order: its text
// item plus every attachment already narrowed to extracted text. Joined
// together they form the note's embedding corpus. Jobs parked in failed
// and blobs still awaiting extraction contribute nothing.
func (s *Store) TextsForNote(noteID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT content FROM jobs
		WHERE note_id = ? AND content IS NOT NULL AND status IN (?, ?)
		ORDER BY enqueued_at ASC, id ASC`,
		noteID, StatusPendingEmbedding, StatusCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		texts = append(texts, t)
	}
	return texts, rows.Err()
}

// CompleteJob marks a job done. The row is kept for inspection; reconciliation
// and note deletion clean terminal rows up.
func (s *Store) CompleteJob(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		StatusCompleted, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a processing failure. Below the retry ceiling the job keeps
// its current pending status and becomes eligible again after an exponential
// backoff; at the ceiling it is parked in StatusFailed. Returns true when the
// failure was terminal.
func (s *Store) FailJob(id int64, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var retries int
	err = tx.QueryRow(`SELECT retry_count FROM jobs WHERE id = ?`, id).Scan(&retries)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	retries++

	terminal := retries >= MaxRetries
	if terminal {
		_, err = tx.Exec(`UPDATE jobs SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			StatusFailed, retries, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(retries))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET retry_count = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			retries, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}
	if err != nil {
		return false, err
	}

	return terminal, tx.Commit()
}

// RetryFailed resets every failed job to retry_count zero and routes it back
// into the queue by payload shape: jobs still holding a raw blob re-enter at
// extraction, jobs already narrowed to text re-enter at embedding. Returns the
// number of jobs revived.
func (s *Store) RetryFailed() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning retry transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	res, err := tx.Exec(`
		UPDATE jobs SET status = ?, retry_count = 0, last_error = '', run_after = ?, updated_at = ?
		WHERE status = ? AND blob IS NOT NULL`,
		StatusPendingExtraction, now, now, StatusFailed,
	)
	if err != nil {
		return 0, err
	}
	extractionJobs, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	res, err = tx.Exec(`
		UPDATE jobs SET status = ?, retry_count = 0, last_error = '', run_after = ?, updated_at = ?
		WHERE status = ? AND blob IS NULL`,
		StatusPendingEmbedding, now, now, StatusFailed,
	)
	if err != nil {
		return 0, err
	}
	embeddingJobs, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(extractionJobs + embeddingJobs), tx.Commit()
}

// DeleteJobsForNote removes every queue row for the note, pending or terminal.
func (s *Store) DeleteJobsForNote(noteID string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE note_id = ?`, noteID)
	return err
}

// FailedJobs returns up to limit terminally failed jobs, oldest first, with
// their last error message.
func (s *Store) FailedJobs(limit int) ([]Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? ORDER BY enqueued_at ASC, id ASC LIMIT ?`,
		StatusFailed, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *j)
	}
	return results, rows.Err()
}

// Stats returns the current queue depth: jobs still waiting for work and jobs
// parked at the retry ceiling.
func (s *Store) Stats() (QueueStats, error) {
	var st QueueStats
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`,
		StatusPendingExtraction, StatusPendingEmbedding).Scan(&st.Pending)
	if err != nil {
		return QueueStats{}, err
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, StatusFailed).Scan(&st.Failed)
	if err != nil {
		return QueueStats{}, err
	}
	return st, nil
}

// PendingNoteIDs returns the set of note ids that still have unfinished queue
// work. Search uses it to flag stale results; reconciliation uses it to avoid
// re-enqueueing notes that are already in flight.
func (s *Store) PendingNoteIDs() (map[string]struct{}, error) {
	rows, err := s.db.Query(`SELECT DISTINCT note_id FROM jobs WHERE status IN (?, ?)`,
		StatusPendingExtraction, StatusPendingEmbedding)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// JobNoteIDs returns the distinct note ids present anywhere in the queue,
// terminal rows included. Reconciliation diffs this against the live note set
// to purge rows left behind by deleted notes.
func (s *Store) JobNoteIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT note_id FROM jobs ORDER BY note_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var content sql.NullString
	var blob []byte
	var mimeType string
	var enqueuedAt, runAfter, updatedAt string
	err := row.Scan(&j.ID, &j.NoteID, &j.Kind, &content, &blob, &mimeType,
		&j.Status, &j.RetryCount, &j.LastError, &enqueuedAt, &runAfter, &updatedAt)
	if err != nil {
		return nil, err
	}

	if blob != nil {
		j.Payload = BlobPayload{Data: blob, MIME: mimeType}
	} else {
		j.Payload = TextPayload{Text: content.String}
	}

	if j.EnqueuedAt, err = time.Parse(time.RFC3339, enqueuedAt); err != nil {
		return nil, fmt.Errorf("parsing enqueued_at for job %d: %w", j.ID, err)
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %d: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %d: %w", j.ID, err)
	}
	return &j, nil
}
