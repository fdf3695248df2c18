package vecstore

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Record is a durable chunk embedding: one row in note_vectors. The ID is the
// composite "<note_id>_<chunk_index>" and chunk indices for a note are always
// contiguous from zero, because rows only ever enter via ReplaceNote.
type Record struct {
	ID         string
	NoteID     string
	ChunkIndex int
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// Chunk is the input to ReplaceNote: one chunk of note text with its embedding.
type Chunk struct {
	Content   string
	Embedding []float32
}

// VectorID builds the composite record id for a note chunk.
func VectorID(noteID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", noteID, chunkIndex)
}

// Store persists chunk embeddings in the note_vectors table. It is the durable
// side of the index: similarity search runs over the in-memory index, which is
// rebuilt from here at startup. Store wraps a *sql.DB shared with the main
// storage layer; the table is created by its migrations.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB for vector operations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ReplaceNote atomically swaps a note's vectors: every existing row for the
// note is deleted and the new chunks are inserted with indices 0..n-1, all in
// one transaction. A reader never observes a mix of old and new chunks, and
// a crash leaves either the old set or the new set, never a partial one.
// Returns the inserted records so callers can update the in-memory index
// without re-reading.
func (s *Store) ReplaceNote(noteID string, chunks []Chunk) ([]Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning replace transaction: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM note_vectors WHERE note_id = ?`, noteID); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("clearing vectors for note %s: %w", noteID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO note_vectors (id, note_id, chunk_index, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	records := make([]Record, 0, len(chunks))
	for i, c := range chunks {
		r := Record{
			ID:         VectorID(noteID, i),
			NoteID:     noteID,
			ChunkIndex: i,
			Content:    c.Content,
			Embedding:  c.Embedding,
			CreatedAt:  now,
		}
		blob := encodeFloat32s(c.Embedding)
		if _, err := stmt.Exec(r.ID, r.NoteID, r.ChunkIndex, r.Content, blob, now.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing replace: %w", err)
	}
	return records, nil
}

// DeleteNote removes every vector row for the note. Returns the number of
// rows removed; deleting a note with no vectors is not an error.
func (s *Store) DeleteNote(noteID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM note_vectors WHERE note_id = ?`, noteID)
	if err != nil {
		return 0, fmt.Errorf("deleting vectors for note %s: %w", noteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeleteIDs removes specific records by composite id. The rebuild path uses
// it to purge vectors whose dimensionality no longer matches the model.
func (s *Store) DeleteIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM note_vectors WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("deleting %d vector records: %w", len(ids), err)
	}
	return nil
}

// LoadAll returns every record, ordered by note then chunk index. This is the
// rebuild scan that repopulates the in-memory index at startup.
func (s *Store) LoadAll() ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, note_id, chunk_index, content, embedding, created_at
		FROM note_vectors ORDER BY note_id ASC, chunk_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying all vectors: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var blob []byte
		var createdAt string
		if err := rows.Scan(&r.ID, &r.NoteID, &r.ChunkIndex, &r.Content, &blob, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		r.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		r.CreatedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

// NoteIDs returns the distinct note ids that have at least one vector.
// Reconciliation diffs this against the live note set.
func (s *Store) NoteIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT note_id FROM note_vectors ORDER BY note_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying note ids: %w", err)
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

// Count returns the number of chunk records.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM note_vectors`).Scan(&count)
	return count, err
}

// NoteCount returns the number of distinct notes with vectors. This is the
// "indexed notes" figure in stats.
func (s *Store) NoteCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT note_id) FROM note_vectors`).Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
