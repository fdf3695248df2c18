package index

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDuplicateKey is returned by Insert when the key is already present.
	// Callers that intend to overwrite must Remove first.
	ErrDuplicateKey = errors.New("duplicate vector key")
	// ErrDimensionMismatch is returned when a vector's length does not match
	// the index dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Hybrid search blend weights: cosine similarity dominates, term overlap
// nudges ordering.
const (
	hybridVectorWeight  = 0.7
	hybridLexicalWeight = 0.3
)

// Entry is one chunk vector keyed by its composite "<note_id>_<chunk_index>" id.
type Entry struct {
	ID         string
	NoteID     string
	ChunkIndex int
	Content    string
	Embedding  []float32
}

// Result is a search hit with its similarity score.
type Result struct {
	Entry
	Score float32
}

// Index is an in-memory brute-force cosine similarity index. Vectors are
// normalized on insert so similarity is a plain dot product. The index is
// volatile: it is rebuilt from the durable vector store at startup and
// mirrored on every upsert, so it can always be thrown away.
//
// A secondary map tracks which chunk keys belong to each note, so removing a
// note never has to guess key names from chunk-index contiguity.
type Index struct {
	dims int

	mu      sync.RWMutex
	entries map[string]*indexed
	byNote  map[string]map[string]struct{}
}

type indexed struct {
	noteID     string
	chunkIndex int
	content    string
	vec        []float32 // unit length
}

// New creates an empty index for vectors of the given dimensionality.
func New(dims int) *Index {
	return &Index{
		dims:    dims,
		entries: make(map[string]*indexed),
		byNote:  make(map[string]map[string]struct{}),
	}
}

// Dims returns the index dimensionality.
func (ix *Index) Dims() int {
	return ix.dims
}

// Insert adds an entry. It fails on a dimension mismatch or when the key is
// already present; an upsert is an explicit Remove (or RemoveNote) followed
// by Insert.
func (ix *Index) Insert(e Entry) error {
	if len(e.Embedding) != ix.dims {
		return fmt.Errorf("%w: key %s has %d dimensions, index wants %d",
			ErrDimensionMismatch, e.ID, len(e.Embedding), ix.dims)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, exists := ix.entries[e.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, e.ID)
	}

	ix.entries[e.ID] = &indexed{
		noteID:     e.NoteID,
		chunkIndex: e.ChunkIndex,
		content:    e.Content,
		vec:        normalize(e.Embedding),
	}
	keys, ok := ix.byNote[e.NoteID]
	if !ok {
		keys = make(map[string]struct{})
		ix.byNote[e.NoteID] = keys
	}
	keys[e.ID] = struct{}{}
	return nil
}

// Remove deletes one entry by key. Removing an absent key is a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(id)
}

func (ix *Index) removeLocked(id string) {
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	if keys, ok := ix.byNote[e.noteID]; ok {
		delete(keys, id)
		if len(keys) == 0 {
			delete(ix.byNote, e.noteID)
		}
	}
}

// RemoveNote deletes every chunk entry for the note via the secondary map and
// returns how many were removed.
func (ix *Index) RemoveNote(noteID string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	keys, ok := ix.byNote[noteID]
	if !ok {
		return 0
	}
	n := 0
	for id := range keys {
		delete(ix.entries, id)
		n++
	}
	delete(ix.byNote, noteID)
	return n
}

// NoteChunkIDs returns the sorted chunk keys currently indexed for a note.
func (ix *Index) NoteChunkIDs(noteID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys, ok := ix.byNote[noteID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of indexed chunk vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search returns the entries most similar to the query, highest score first,
// dropping anything below threshold and truncating to limit when limit > 0.
// A zero query vector matches nothing.
func (ix *Index) Search(query []float32, limit int, threshold float32) ([]Result, error) {
	if len(query) != ix.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index wants %d",
			ErrDimensionMismatch, len(query), ix.dims)
	}

	q := normalize(query)
	if isZero(q) {
		return nil, nil
	}

	ix.mu.RLock()
	results := ix.scan(q, threshold)
	ix.mu.RUnlock()

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch scores like Search but blends a term-overlap lexical signal
// into the ordering. The similarity threshold still decides inclusion, then
// the blended score reorders what passed.
func (ix *Index) HybridSearch(query []float32, text string, limit int, threshold float32) ([]Result, error) {
	if len(query) != ix.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index wants %d",
			ErrDimensionMismatch, len(query), ix.dims)
	}

	q := normalize(query)
	if isZero(q) {
		return nil, nil
	}
	terms := tokenize(text)

	ix.mu.RLock()
	results := ix.scan(q, threshold)
	for i := range results {
		lex := overlap(terms, results[i].Content)
		results[i].Score = hybridVectorWeight*results[i].Score + hybridLexicalWeight*lex
	}
	ix.mu.RUnlock()

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scan computes dot products against every entry under a held read lock.
func (ix *Index) scan(q []float32, threshold float32) []Result {
	var results []Result
	for id, e := range ix.entries {
		score := dot(q, e.vec)
		if score < threshold {
			continue
		}
		results = append(results, Result{
			Entry: Entry{ID: id, NoteID: e.noteID, ChunkIndex: e.chunkIndex, Content: e.content},
			Score: score,
		})
	}
	return results
}

// sortResults orders by score descending with the key as tie-break, so equal
// scores come back in a stable order.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// tokenize splits text into lowercase terms, trimming edge punctuation.
func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			terms = append(terms, f)
		}
	}
	return terms
}

// overlap returns the fraction of query terms present in the content.
func overlap(terms []string, content string) float32 {
	if len(terms) == 0 {
		return 0
	}
	present := make(map[string]struct{})
	for _, w := range tokenize(content) {
		present[w] = struct{}{}
	}
	matched := 0
	seen := make(map[string]struct{}, len(terms))
	total := 0
	for _, term := range terms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		total++
		if _, ok := present[term]; ok {
			matched++
		}
	}
	return float32(matched) / float32(total)
}

// normalize returns a unit-length copy of v. A zero vector stays zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	n := math.Sqrt(sum)
	if n == 0 {
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
