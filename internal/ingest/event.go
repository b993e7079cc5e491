package ingest

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/space"
)

// EventType identifies one stage of an indexing run.
type EventType string

// Progress event types, in rough emission order. The supervisor emits
// the staging events (downloading, milvus_connected); the pipeline
// emits the rest. EventMilvusConnected keeps its wire name for
// compatibility with existing progress consumers regardless of the
// configured vector store backend.
const (
	EventDownloading        EventType = "downloading"
	EventMilvusConnected    EventType = "milvus_connected"
	EventDetectingDimension EventType = "detecting_dimension"
	EventDimensionDetected  EventType = "dimension_detected"
	EventCollectionCreated  EventType = "collection_created"
	EventCollectionReset    EventType = "collection_reset"
	EventCollectionReused   EventType = "collection_reused"
	EventCountingFiles      EventType = "counting_files"
	EventFilesCounted       EventType = "files_counted"
	EventStarted            EventType = "started"
	EventFileStarted        EventType = "file_started"
	EventFileDeleted        EventType = "file_deleted"
	EventFileCompleted      EventType = "file_completed"
	EventFileError          EventType = "file_error"
	EventInsertingData      EventType = "inserting_data"
	EventCreatingIndex      EventType = "creating_index"
	EventIndexingBM25       EventType = "indexing_bm25"
	EventBM25Saved          EventType = "bm25_saved"
	EventComplete           EventType = "complete"
	EventStopped            EventType = "stopped"
	EventError              EventType = "error"
)

// Event is one progress report from an indexing run.
//
// The counter fields carry the run's running totals; they are
// meaningful on started, file-level, and terminal events. Stage
// markers carry only a message.
type Event struct {
	Type EventType `json:"type"`

	// CurrentFile is the basename of the file being worked on, set on
	// file-level events.
	CurrentFile string `json:"current_file,omitempty"`

	FilesTotal     int     `json:"files_total"`
	FilesProcessed int     `json:"files_processed"`
	ChunksTotal    int     `json:"chunks_total"`
	Percentage     float64 `json:"percentage"`

	// EmbeddingDim is set once the vector dimension is known.
	EmbeddingDim int `json:"embedding_dim,omitempty"`

	Message string `json:"message,omitempty"`

	// Error carries the failure detail on file_error and error events.
	Error string `json:"error,omitempty"`

	// Metadata is the full fingerprint map for the next incremental
	// run, set on complete.
	Metadata map[string]space.FileMeta `json:"indexed_metadata,omitempty"`

	// Timestamp is stamped by the broadcaster when the event is queued,
	// not by the pipeline.
	Timestamp time.Time `json:"timestamp"`
}

// progressPct reports processed over total as a percentage rounded to
// two decimals. A zero total reports zero.
func progressPct(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(processed)/float64(total)*10000) / 100
}
