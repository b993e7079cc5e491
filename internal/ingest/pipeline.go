// Package ingest implements the indexing worker for a space.
//
// A run processes local files the supervisor staged from the space's
// uploads, decides which of them changed since the last run, extracts
// and chunks their text, embeds every chunk, and lands the rows in the
// vector store and the sparse BM25 artifact. Progress streams to the
// caller through an event callback, and a cooperative stop flag can
// end the run at any file or chunk boundary.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/bm25"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/extract"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/space"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

var tracer = otel.Tracer("corpusd.ingest")

// Job describes one indexing run over staged local files.
type Job struct {
	// Space supplies the collection key, chunk size, and embedding
	// model. A zero Config.EmbeddingDim means probe the model first.
	Space space.Space

	// TargetPaths are the local files or directories to index.
	TargetPaths []string

	// PriorMeta is the fingerprint map from the last completed run.
	// Non-empty fingerprints plus a live collection switch the run to
	// incremental mode.
	PriorMeta map[string]space.FileMeta

	// Emit receives progress events. May be nil.
	Emit func(Event)

	// Stop is the cooperative stop flag, read at every file and chunk
	// boundary. May be nil.
	Stop *atomic.Bool
}

// Result summarizes a finished run.
type Result struct {
	// FilesTotal counts every eligible file found under the target
	// paths, changed or not.
	FilesTotal int

	// FilesProcessed counts files attempted this run, including files
	// skipped after per-file errors.
	FilesProcessed int

	// ChunksTotal counts chunks embedded and inserted this run.
	ChunksTotal int

	// EmbeddingDim is the vector dimension the collection uses.
	EmbeddingDim int

	// Metadata is the fingerprint map to persist for the next run.
	Metadata map[string]space.FileMeta

	// Stopped reports that the stop flag cut the run short. Rows staged
	// before the stop were still persisted, but the fingerprints of
	// interrupted files were not recorded, so the next run redoes them.
	Stopped bool
}

// Pipeline indexes staged files into the vector store and the sparse
// index of a space.
type Pipeline struct {
	vectors    vectorstore.Store
	objects    objectstore.Store
	embedders  embeddings.Factory
	extractors *extract.Registry
	logger     *logging.Logger
}

// NewPipeline wires the indexing stages together.
func NewPipeline(vectors vectorstore.Store, objects objectstore.Store, embedders embeddings.Factory, extractors *extract.Registry, logger *logging.Logger) (*Pipeline, error) {
	if vectors == nil {
		return nil, fmt.Errorf("%w: vector store is required", fault.Invalid)
	}
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is required", fault.Invalid)
	}
	if embedders == nil {
		return nil, fmt.Errorf("%w: embedder factory is required", fault.Invalid)
	}
	if extractors == nil {
		return nil, fmt.Errorf("%w: extractor registry is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pipeline{
		vectors:    vectors,
		objects:    objects,
		embedders:  embedders,
		extractors: extractors,
		logger:     logger.Named("ingest"),
	}, nil
}

// Run executes one indexing job.
//
// Fatal problems (bad paths, dimension probe failure, store writes)
// emit an error event and fail the run. Per-file extraction and
// embedding failures emit file_error and skip the file. A set stop
// flag ends the run early with a stopped event instead of complete;
// whatever was staged before the stop is still persisted so the work
// is not lost.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("space", job.Space.Name),
		attribute.String("collection", job.Space.CollectionKey),
		attribute.Int("chunk_size", job.Space.Config.ChunkSize),
		attribute.Int("target_paths", len(job.TargetPaths)),
	)

	start := time.Now()
	r := &run{
		p:       p,
		job:     job,
		newMeta: make(map[string]space.FileMeta),
		touched: make(map[string]bool),
	}

	res, err := r.execute(ctx)

	outcome := "complete"
	switch {
	case err != nil:
		outcome = "error"
	case res.Stopped:
		outcome = "stopped"
	}
	RecordJob(outcome, time.Since(start).Seconds())

	if err != nil {
		return nil, recordErr(span, err)
	}

	span.SetAttributes(
		attribute.Int("files_total", res.FilesTotal),
		attribute.Int("files_processed", res.FilesProcessed),
		attribute.Int("chunks_total", res.ChunksTotal),
		attribute.Bool("stopped", res.Stopped),
	)
	p.logger.Info(ctx, "indexing run finished",
		zap.String("space", job.Space.Name),
		zap.String("outcome", outcome),
		zap.Int("files_total", res.FilesTotal),
		zap.Int("files_processed", res.FilesProcessed),
		zap.Int("chunks_total", res.ChunksTotal),
		zap.Duration("took", time.Since(start)),
	)
	return res, nil
}

// run carries the mutable state of one job through its stages.
type run struct {
	p   *Pipeline
	job Job

	embedder    embeddings.Embedder
	dim         int
	incremental bool

	batch   vectorstore.InsertBatch
	newMeta map[string]space.FileMeta

	// touched marks basenames attempted this run. Their prior sparse
	// rows are dropped from the rebuild union because their vector rows
	// were already replaced or removed.
	touched map[string]bool

	filesTotal     int
	filesProcessed int
	chunksTotal    int
}

func (r *run) emit(e Event) {
	if r.job.Emit != nil {
		r.job.Emit(e)
	}
}

func (r *run) stopRequested() bool {
	return r.job.Stop != nil && r.job.Stop.Load()
}

// fail emits a fatal error event and passes the error through.
func (r *run) fail(label string, err error) error {
	r.emit(Event{Type: EventError, Error: label, Message: err.Error()})
	return err
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	if err := validatePaths(r.job.TargetPaths); err != nil {
		return nil, r.fail("invalid path", err)
	}

	embedder, err := r.p.embedders(r.job.Space.Config.EmbeddingModel)
	if err != nil {
		return nil, r.fail("embedder unavailable", fault.Tag(
			fmt.Errorf("resolving embedder for %q: %w", r.job.Space.Config.EmbeddingModel, err), fault.Upstream))
	}
	r.embedder = embedder

	if err := r.setupCollection(ctx); err != nil {
		return nil, err
	}
	if r.incremental {
		for name, meta := range r.job.PriorMeta {
			r.newMeta[name] = meta
		}
	}

	r.emit(Event{Type: EventCountingFiles, Message: "Counting files..."})
	targets, err := enumerate(r.job.TargetPaths)
	if err != nil {
		return nil, r.fail("enumeration failed", err)
	}
	r.filesTotal = len(targets)
	r.emit(Event{
		Type:       EventFilesCounted,
		FilesTotal: r.filesTotal,
		Message:    fmt.Sprintf("Found %d files", r.filesTotal),
	})

	if r.filesTotal == 0 {
		r.emit(Event{
			Type:       EventComplete,
			Percentage: 100,
			Message:    "No valid files found",
			Metadata:   r.newMeta,
		})
		return &Result{EmbeddingDim: r.dim, Metadata: r.newMeta}, nil
	}

	needs := r.changedTargets(targets)

	r.emit(Event{
		Type:       EventStarted,
		FilesTotal: r.filesTotal,
		Message:    fmt.Sprintf("Starting indexing (Chunk size: %d)", r.job.Space.Config.ChunkSize),
	})

	for _, t := range needs {
		if r.stopRequested() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, r.fail("run canceled", err)
		}
		r.processFile(ctx, t)
	}
	stopped := r.stopRequested()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}

	res := &Result{
		FilesTotal:     r.filesTotal,
		FilesProcessed: r.filesProcessed,
		ChunksTotal:    r.chunksTotal,
		EmbeddingDim:   r.dim,
		Metadata:       r.newMeta,
		Stopped:        stopped,
	}

	if stopped {
		r.emit(Event{
			Type:           EventStopped,
			FilesTotal:     r.filesTotal,
			FilesProcessed: r.filesProcessed,
			ChunksTotal:    r.chunksTotal,
			Percentage:     progressPct(r.filesProcessed, r.filesTotal),
			Message:        "Indexing stopped by user",
		})
		return res, nil
	}

	message := "Indexing completed successfully!"
	switch {
	case r.chunksTotal > 0:
	case len(needs) == 0:
		message = "All files up to date"
	default:
		message = "No content extracted"
	}
	r.emit(Event{
		Type:           EventComplete,
		FilesTotal:     r.filesTotal,
		FilesProcessed: r.filesProcessed,
		ChunksTotal:    r.chunksTotal,
		EmbeddingDim:   r.dim,
		Percentage:     100,
		Message:        message,
		Metadata:       r.newMeta,
	})
	return res, nil
}

// setupCollection probes the embedding dimension when the space has
// none recorded and makes sure the collection exists. An existing
// collection plus prior fingerprints switches the run to incremental
// mode; anything else recreates the collection for a full reindex.
func (r *run) setupCollection(ctx context.Context) error {
	model := r.job.Space.Config.EmbeddingModel
	r.dim = r.job.Space.Config.EmbeddingDim
	if r.dim == 0 {
		r.emit(Event{
			Type:    EventDetectingDimension,
			Message: fmt.Sprintf("Detecting embedding dimension for %s...", model),
		})
		dim, err := embeddings.ProbeDimension(ctx, r.embedder)
		if err != nil {
			return r.fail("dimension detection failed", fault.Tag(err, fault.Upstream))
		}
		r.dim = dim
		r.emit(Event{
			Type:         EventDimensionDetected,
			EmbeddingDim: dim,
			Message:      fmt.Sprintf("Detected dimension: %d", dim),
		})
	}

	name := r.job.Space.CollectionKey
	recreate := len(r.job.PriorMeta) == 0

	state, err := r.p.vectors.EnsureCollection(ctx, name, r.dim, recreate)
	if errors.Is(err, vectorstore.ErrDimensionMismatch) {
		// The collection was built for a different model. Its rows
		// cannot be reused, so recreate and reindex in full.
		state, err = r.p.vectors.EnsureCollection(ctx, name, r.dim, true)
	}
	if err != nil {
		return r.fail("collection setup failed", fault.Tag(
			fmt.Errorf("ensuring collection %s: %w", name, err), fault.Upstream))
	}
	r.incremental = state == vectorstore.StateReused

	switch state {
	case vectorstore.StateReused:
		r.emit(Event{
			Type:    EventCollectionReused,
			Message: fmt.Sprintf("Reusing collection %s for incremental indexing", name),
		})
	case vectorstore.StateReset:
		r.emit(Event{
			Type:    EventCollectionReset,
			Message: fmt.Sprintf("Deleting existing collection %s", name),
		})
		fallthrough
	case vectorstore.StateCreated:
		r.emit(Event{
			Type:    EventCollectionCreated,
			Message: fmt.Sprintf("Created collection %s (dim=%d)", name, r.dim),
		})
	}
	return nil
}

// changedTargets filters enumeration output down to files that need
// indexing. Full mode takes every file; incremental mode takes files
// absent from the prior fingerprints or whose size or mtime changed.
func (r *run) changedTargets(targets []target) []target {
	if !r.incremental {
		return targets
	}
	var needs []target
	for _, t := range targets {
		prior, ok := r.job.PriorMeta[t.name]
		if !ok || prior != t.meta {
			needs = append(needs, t)
		}
	}
	return needs
}

// processFile indexes one file and advances the running counters. A
// failed file emits file_error and is skipped; the counters still move
// so progress keeps flowing.
func (r *run) processFile(ctx context.Context, t target) {
	r.emit(Event{
		Type:           EventFileStarted,
		CurrentFile:    t.name,
		FilesProcessed: r.filesProcessed,
		FilesTotal:     r.filesTotal,
		Percentage:     progressPct(r.filesProcessed, r.filesTotal),
	})
	r.touched[t.name] = true

	added, err := r.indexFile(ctx, t)
	if err != nil {
		FileErrors.Inc()
		r.p.logger.Warn(ctx, "file skipped",
			zap.String("space", r.job.Space.Name),
			zap.String("file", t.name),
			zap.Error(err),
		)
		r.emit(Event{
			Type:        EventFileError,
			CurrentFile: t.name,
			Error:       err.Error(),
			Message:     fmt.Sprintf("Error processing %s: %v", t.name, err),
		})
	}

	r.filesProcessed++
	r.chunksTotal += added
	FilesProcessed.Inc()

	r.emit(Event{
		Type:           EventFileCompleted,
		CurrentFile:    t.name,
		FilesProcessed: r.filesProcessed,
		FilesTotal:     r.filesTotal,
		ChunksTotal:    r.chunksTotal,
		Percentage:     progressPct(r.filesProcessed, r.filesTotal),
		Message:        fmt.Sprintf("Processed %s", t.name),
	})
}

// indexFile replaces a file's prior rows, then extracts, chunks, and
// embeds its text into the staged batch. It returns how many chunks it
// staged; on error the chunks staged before the failure stay in the
// batch and the file keeps no fingerprint, so the next run redoes it.
func (r *run) indexFile(ctx context.Context, t target) (int, error) {
	if r.incremental {
		// Purge unconditionally: a file that errored or was interrupted
		// on an earlier run may have partial rows without a fingerprint.
		name := r.job.Space.CollectionKey
		if err := r.p.vectors.DeleteByFilename(ctx, name, t.name); err != nil {
			return 0, fault.Tag(fmt.Errorf("deleting prior rows: %w", err), fault.Upstream)
		}
		if _, ok := r.job.PriorMeta[t.name]; ok {
			r.emit(Event{
				Type:        EventFileDeleted,
				CurrentFile: t.name,
				Message:     fmt.Sprintf("Removed stale chunks of %s", t.name),
			})
		}
	}

	text, err := r.p.extractors.Extract(ctx, t.path)
	if err != nil {
		return 0, err
	}

	chunks := chunkText(text, r.job.Space.Config.ChunkSize)
	if len(chunks) == 0 {
		r.newMeta[t.name] = t.meta
		return 0, nil
	}

	added := 0
	for _, chunk := range chunks {
		if r.stopRequested() {
			return added, nil
		}
		vecs, err := r.embedder.EmbedDocuments(ctx, []string{chunk})
		if err != nil {
			return added, fault.Tag(fmt.Errorf("embedding chunk: %w", err), fault.Upstream)
		}
		if len(vecs) != 1 {
			return added, fmt.Errorf("%w: got %d vectors for one chunk", embeddings.ErrEmbeddingFailed, len(vecs))
		}
		r.batch.Contents = append(r.batch.Contents, chunk)
		r.batch.Filenames = append(r.batch.Filenames, t.name)
		r.batch.Embeddings = append(r.batch.Embeddings, vecs[0])
		ChunksEmbedded.Inc()
		added++
	}

	r.newMeta[t.name] = t.meta
	return added, nil
}

// persist lands the staged batch: vector rows, the ANN index when the
// collection is fresh, and the rebuilt sparse artifact. An empty batch
// persists nothing.
func (r *run) persist(ctx context.Context) error {
	if r.batch.Len() == 0 {
		return nil
	}
	name := r.job.Space.CollectionKey

	r.emit(Event{
		Type:    EventInsertingData,
		Message: fmt.Sprintf("Inserting %d vectors...", r.batch.Len()),
	})
	if err := r.p.vectors.Insert(ctx, name, r.batch); err != nil {
		return r.fail("insert failed", fault.Tag(
			fmt.Errorf("inserting %d rows: %w", r.batch.Len(), err), fault.Upstream))
	}

	if !r.incremental {
		r.emit(Event{Type: EventCreatingIndex, Message: "Creating vector index..."})
		if err := r.p.vectors.CreateIndex(ctx, name); err != nil {
			return r.fail("index creation failed", fault.Tag(
				fmt.Errorf("creating index on %s: %w", name, err), fault.Upstream))
		}
	}

	if err := r.p.vectors.LoadCollection(ctx, name); err != nil {
		return r.fail("collection load failed", fault.Tag(
			fmt.Errorf("loading collection %s: %w", name, err), fault.Upstream))
	}

	return r.rebuildSparse(ctx)
}

// rebuildSparse rebuilds the space's BM25 artifact. Incremental runs
// keep the prior rows of files this run did not touch and append the
// new batch; full runs rebuild from the batch alone.
func (r *run) rebuildSparse(ctx context.Context) error {
	contents := r.batch.Contents
	filenames := r.batch.Filenames

	if r.incremental {
		keptContents, keptFilenames := r.priorSparseRows(ctx)
		if len(keptContents) > 0 {
			contents = append(keptContents, contents...)
			filenames = append(keptFilenames, filenames...)
		}
	}

	r.emit(Event{
		Type:    EventIndexingBM25,
		Message: fmt.Sprintf("Building BM25 index over %d chunks...", len(contents)),
	})

	idx := bm25.New()
	if err := idx.Build(contents, filenames); err != nil {
		return r.fail("bm25 build failed", err)
	}
	if err := idx.Save(ctx, r.p.objects, r.job.Space.Name); err != nil {
		return r.fail("bm25 save failed", fault.Tag(err, fault.Upstream))
	}

	r.emit(Event{
		Type:    EventBM25Saved,
		Message: fmt.Sprintf("BM25 index saved (%d chunks)", len(contents)),
	})
	return nil
}

// priorSparseRows loads the previous sparse artifact and returns the
// rows of files this run left alone. A missing or unreadable artifact
// contributes nothing; the rebuild then covers the current batch only.
func (r *run) priorSparseRows(ctx context.Context) ([]string, []string) {
	prior := bm25.New()
	loaded, err := prior.Load(ctx, r.p.objects, r.job.Space.Name)
	if err != nil {
		r.p.logger.Warn(ctx, "prior sparse index unreadable, rebuilding from current batch",
			zap.String("space", r.job.Space.Name), zap.Error(err))
		return nil, nil
	}
	if !loaded {
		return nil, nil
	}

	contents, filenames := prior.Rows()
	var keptContents, keptFilenames []string
	for i, f := range filenames {
		if !r.touched[f] {
			keptContents = append(keptContents, contents[i])
			keptFilenames = append(keptFilenames, f)
		}
	}
	return keptContents, keptFilenames
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
