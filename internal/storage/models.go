package storage

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MaxRetries is the fixed retry ceiling for a queue item. Once a job has
// failed this many times it is parked in StatusFailed and only an explicit
// retry request moves it back into a pending state.
const MaxRetries = 3

// JobStatus is the state-machine position of a queue item.
type JobStatus string

const (
	// StatusPendingExtraction marks a non-text item whose payload is still a
	// raw attachment blob awaiting text extraction.
	StatusPendingExtraction JobStatus = "pending_extraction"
	// StatusPendingEmbedding marks an item whose payload is plain text
	// awaiting embedding.
	StatusPendingEmbedding JobStatus = "pending_embedding"
	// StatusFailed is terminal until an explicit retry resets the item.
	StatusFailed JobStatus = "failed"
	// StatusCompleted is terminal. Completed rows stay in the table as an
	// audit trail; only note deletion and reconciliation remove them.
	StatusCompleted JobStatus = "completed"
)

// JobKind describes what the payload holds. Extraction narrows image and
// document jobs to KindText once their payload has been rewritten to the
// extracted string.
type JobKind string

const (
	KindText     JobKind = "text"
	KindImage    JobKind = "image"
	KindDocument JobKind = "document"
)

// KindForMIME maps a declared attachment MIME type to a job kind.
func KindForMIME(mime string) JobKind {
	if strings.HasPrefix(mime, "image/") {
		return KindImage
	}
	return KindDocument
}

// Payload is the job payload: inline text for text-kind items, a raw blob
// plus its MIME type for items still awaiting extraction. Exactly one
// variant is set per job; the variant and the status move together.
type Payload interface {
	isPayload()
}

// TextPayload is the payload of a job in StatusPendingEmbedding (or a
// terminal state reached from it).
type TextPayload struct {
	Text string
}

func (TextPayload) isPayload() {}

// BlobPayload is the payload of a job in StatusPendingExtraction (or a
// terminal state reached from it): undigested attachment bytes.
type BlobPayload struct {
	Data []byte
	MIME string
}

func (BlobPayload) isPayload() {}

// Job is one unit of indexing work. IDs are assigned by SQLite AUTOINCREMENT:
// monotonically increasing and never reused, which makes them the final FIFO
// tie-break after EnqueuedAt.
type Job struct {
	ID         int64
	NoteID     string
	Kind       JobKind
	Payload    Payload
	Status     JobStatus
	RetryCount int
	LastError  string
	EnqueuedAt time.Time
	RunAfter   time.Time
	UpdatedAt  time.Time
}

// Text returns the inline text payload, if the job carries one.
func (j *Job) Text() (string, bool) {
	p, ok := j.Payload.(TextPayload)
	if !ok {
		return "", false
	}
	return p.Text, true
}

// Blob returns the raw attachment payload, if the job carries one.
func (j *Job) Blob() (BlobPayload, bool) {
	p, ok := j.Payload.(BlobPayload)
	return p, ok
}

// Note is a host-side note record. The engine reads only the plain-text
// content; tags, locations and other host metadata never reach this table.
type Note struct {
	ID        string
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueStats is a snapshot of queue depth published to listeners after each
// worker cycle and served by the stats endpoint.
type QueueStats struct {
	Pending int
	Failed  int
}
