package indexer

// Request is a message into the engine. The types below are the only
// implementations; the engine's dispatch loop switches over them.
type Request interface {
	isRequest()
}

// StartProcessing wakes the worker loop to drain the queue.
type StartProcessing struct{}

// Search asks for the top chunks matching a query. The caller-supplied
// correlation ID is echoed on the answering SearchResults or
// SearchError event so concurrent callers can share one event stream.
type Search struct {
	Query         string
	Limit         int
	Threshold     float32
	Hybrid        bool
	CorrelationID string
}

// CheckModelStatus asks for a ModelStatus event. It reports the current
// state and never waits for a model load.
type CheckModelStatus struct{}

// RetryFailed re-queues every parked item for another attempt.
type RetryFailed struct{}

// GetStats asks for a StatsUpdate event.
type GetStats struct{}

// DeleteNote removes a note's vectors and queue rows from the engine's
// stores. The host owns the note row itself.
type DeleteNote struct {
	NoteID string
}

// Reconcile runs one reconciliation pass over queue and vector stores.
type Reconcile struct{}

func (StartProcessing) isRequest()  {}
func (Search) isRequest()           {}
func (CheckModelStatus) isRequest() {}
func (RetryFailed) isRequest()      {}
func (GetStats) isRequest()         {}
func (DeleteNote) isRequest()       {}
func (Reconcile) isRequest()        {}

// Event is a message out of the engine, fanned out to every subscriber.
type Event interface {
	isEvent()
}

// ModelState describes the embedding model lifecycle as observed from
// outside the engine.
type ModelState string

const (
	ModelUnloaded    ModelState = "unloaded"
	ModelDownloading ModelState = "downloading"
	ModelReady       ModelState = "ready"
	ModelError       ModelState = "error"
)

// ModelStatus answers CheckModelStatus.
type ModelStatus struct {
	State ModelState
	Err   string // set when State is ModelError
}

// ModelDownloadProgress streams model pull progress during acquisition.
type ModelDownloadProgress struct {
	Status    string
	Completed int64
	Total     int64
}

// Hit is one search result chunk.
type Hit struct {
	NoteID     string
	ChunkIndex int
	Text       string
	Score      float32
}

// SearchResults answers a Search request.
type SearchResults struct {
	Hits          []Hit
	CorrelationID string
}

// SearchError reports a failed Search request. Failures are events, not
// faults; the dispatch loop keeps running.
type SearchError struct {
	Err           string
	CorrelationID string
}

// StatsUpdate reports indexing progress: queue counts plus the number
// of distinct notes with durable vectors.
type StatsUpdate struct {
	Pending   int
	Failed    int
	Completed int
}

// ReconcileDone reports a finished reconciliation pass.
type ReconcileDone struct {
	Enqueued        int
	OrphanedVectors int
	OrphanedJobs    int
}

func (ModelStatus) isEvent()           {}
func (ModelDownloadProgress) isEvent() {}
func (SearchResults) isEvent()         {}
func (SearchError) isEvent()           {}
func (StatsUpdate) isEvent()           {}
func (ReconcileDone) isEvent()         {}
