// Package supervisor runs the one indexing job a process allows and
// fans its progress out to subscribers.
//
// Start stages the space's uploads into a scratch directory, hands the
// job to the indexing pipeline, and forwards every progress event
// through a bounded queue to subscriber channels. The stream is lossy:
// on queue overflow the oldest event is dropped, and a subscriber that
// stops draining is disconnected rather than allowed to stall the
// rest. The latest event is kept as a snapshot, persisted best-effort
// to the space bucket, and handed to late subscribers on subscribe.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/space"
)

var tracer = otel.Tracer("corpusd.supervisor")

// progressStateKey is the object holding the last persisted progress
// snapshot in a space bucket.
const progressStateKey = "progress_state.json"

// Sentinel errors.
var (
	// ErrJobRunning is returned by Start while another job is active.
	ErrJobRunning = fault.Tag(errors.New("an indexing job is already running"), fault.Conflict)

	// ErrNoFiles is returned by Start when the space's uploads/ prefix
	// holds nothing to index.
	ErrNoFiles = fault.Tag(errors.New("space has no files to index (uploads/ is empty)"), fault.Invalid)

	// ErrClosed is returned by Start after Close.
	ErrClosed = fault.Tag(errors.New("supervisor is closed"), fault.Conflict)
)

// Runner executes one indexing job. *ingest.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, job ingest.Job) (*ingest.Result, error)
}

// Config tunes the supervisor.
type Config struct {
	// ScratchRoot is where job caches live. A job stages the space's
	// uploads under <ScratchRoot>/cache/<storage_key>_<unix> and removes
	// the directory when it ends. Defaults to the system temp dir.
	ScratchRoot string

	// QueueSize bounds the progress queue. Defaults to 1024.
	QueueSize int

	// SubscriberBuffer is the per-subscriber channel capacity.
	// Defaults to 16.
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.ScratchRoot == "" {
		c.ScratchRoot = os.TempDir()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 16
	}
	return c
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Running      bool          `json:"running"`
	JobID        string        `json:"job_id,omitempty"`
	Space        string        `json:"space,omitempty"`
	LastProgress *ingest.Event `json:"last_progress,omitempty"`
	Subscribers  int           `json:"subscribers"`
}

// progressState is the persisted snapshot shape. BucketName guards
// against replaying another space's progress after a restart.
type progressState struct {
	BucketName   string        `json:"bucket_name"`
	LastProgress *ingest.Event `json:"last_progress"`
}

// Supervisor owns the process-wide indexing job slot.
type Supervisor struct {
	runner   Runner
	objects  objectstore.Store
	registry *space.Registry
	cfg      Config
	logger   *logging.Logger

	mu       sync.Mutex
	closed   bool
	running  bool
	jobID    string
	jobSpace string
	stop     *atomic.Bool
	cancel   context.CancelFunc
	last     *ingest.Event
	subs     map[string]chan ingest.Event

	queue chan ingest.Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// New builds a Supervisor and starts its broadcast loop. When the
// registry has a current space, the last persisted progress snapshot
// for it is restored so Status and late subscribers survive a restart.
func New(ctx context.Context, runner Runner, objects objectstore.Store, registry *space.Registry, cfg Config, logger *logging.Logger) (*Supervisor, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: runner is required", fault.Invalid)
	}
	if objects == nil {
		return nil, fmt.Errorf("%w: object store is required", fault.Invalid)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: space registry is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Supervisor{
		runner:   runner,
		objects:  objects,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("supervisor"),
		subs:     make(map[string]chan ingest.Event),
		done:     make(chan struct{}),
	}
	s.queue = make(chan ingest.Event, s.cfg.QueueSize)

	s.restoreProgress(ctx)

	s.wg.Add(1)
	go s.broadcast()
	return s, nil
}

// restoreProgress loads the persisted snapshot of the current space,
// if any. Best-effort: an unreadable or foreign snapshot is skipped.
func (s *Supervisor) restoreProgress(ctx context.Context) {
	sp, ok := s.registry.Current()
	if !ok {
		return
	}
	var state progressState
	if err := objectstore.GetJSONOrEmpty(ctx, s.objects, sp.Name, progressStateKey, &state); err != nil {
		s.logger.Warn(ctx, "persisted progress unreadable",
			zap.String("space", sp.Name), zap.Error(err))
		return
	}
	if state.BucketName != sp.Name || state.LastProgress == nil {
		return
	}
	s.mu.Lock()
	s.last = state.LastProgress
	s.mu.Unlock()
}

// Start launches an indexing job for the named space and returns its
// id. The heavy work happens on a background goroutine; progress flows
// to subscribers. Fails fast with ErrJobRunning while a job is active
// and with ErrNoFiles when the space has nothing under uploads/.
func (s *Supervisor) Start(ctx context.Context, spaceName string) (string, error) {
	ctx, span := tracer.Start(ctx, "supervisor.Start",
		oteltrace.WithAttributes(attribute.String("space.name", spaceName)))
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", recordErr(span, ErrClosed)
	}
	if s.running {
		s.mu.Unlock()
		return "", recordErr(span, ErrJobRunning)
	}
	s.mu.Unlock()

	// Refresh the uploads listing before the empty check.
	sp, err := s.registry.SyncFiles(ctx, spaceName)
	if err != nil {
		return "", recordErr(span, err)
	}
	if len(sp.Uploads) == 0 {
		return "", recordErr(span, fmt.Errorf("%w: %q", ErrNoFiles, spaceName))
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.closed || s.running {
		closed := s.closed
		s.mu.Unlock()
		cancel()
		if closed {
			return "", recordErr(span, ErrClosed)
		}
		return "", recordErr(span, ErrJobRunning)
	}
	jobID := uuid.NewString()
	stop := new(atomic.Bool)
	s.running = true
	s.jobID = jobID
	s.jobSpace = sp.Name
	s.stop = stop
	s.cancel = cancel
	// A new job starts a fresh progress stream.
	s.last = nil
	s.mu.Unlock()

	span.SetAttributes(attribute.String("job.id", jobID))
	s.logger.Info(ctx, "indexing job started",
		zap.String("job_id", jobID),
		zap.String("space", sp.Name),
		zap.Int("uploads", len(sp.Uploads)))

	s.wg.Add(1)
	go s.runJob(jobCtx, jobID, sp, stop)
	return jobID, nil
}

// Stop requests a cooperative stop of the running job and returns
// immediately. Reports whether a job was running.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stop == nil {
		return false
	}
	s.stop.Store(true)
	return true
}

// Status reports the current job and subscriber state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:     s.running,
		JobID:       s.jobID,
		Space:       s.jobSpace,
		Subscribers: len(s.subs),
	}
	if s.last != nil {
		ev := *s.last
		st.LastProgress = &ev
	}
	return st
}

// Subscribe registers a progress channel under id, replacing any
// previous subscription with the same id. The latest snapshot, when
// one exists, is delivered first. The channel closes on Unsubscribe,
// on Close, or when the subscriber falls too far behind.
func (s *Supervisor) Subscribe(id string) <-chan ingest.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		ch := make(chan ingest.Event)
		close(ch)
		return ch
	}

	if old, ok := s.subs[id]; ok {
		close(old)
	} else {
		Subscribers.Inc()
	}
	ch := make(chan ingest.Event, s.cfg.SubscriberBuffer)
	s.subs[id] = ch
	if s.last != nil {
		ch <- *s.last
	}
	return ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Supervisor) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
		Subscribers.Dec()
	}
}

// Close cancels any running job, waits for it to unwind, and closes
// every subscriber channel.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
		Subscribers.Dec()
	}
	return nil
}

// runJob stages the space's uploads and drives the pipeline.
func (s *Supervisor) runJob(ctx context.Context, jobID string, sp space.Space, stop *atomic.Bool) {
	defer s.wg.Done()
	ctx, span := tracer.Start(ctx, "supervisor.runJob",
		oteltrace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("space.name", sp.Name)))
	defer span.End()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.jobID = ""
		s.jobSpace = ""
		s.stop = nil
		cancel := s.cancel
		s.cancel = nil
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	emit := func(e ingest.Event) { s.publish(ctx, sp.Name, e) }

	emit(ingest.Event{
		Type:    ingest.EventDownloading,
		Message: "Downloading files from uploads/...",
	})

	scratch := filepath.Join(s.cfg.ScratchRoot, "cache",
		fmt.Sprintf("%s_%d", sp.StorageKey, time.Now().Unix()))
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		s.failJob(ctx, span, emit, "staging failed", err)
		return
	}
	defer os.RemoveAll(scratch)

	n, err := s.objects.DownloadPrefix(ctx, sp.Name, space.UploadsPrefix, scratch)
	if err != nil {
		s.failJob(ctx, span, emit, "download failed",
			fault.Tag(fmt.Errorf("downloading %s uploads: %w", sp.Name, err), fault.Upstream))
		return
	}
	span.SetAttributes(attribute.Int("staged_files", n))

	// Keys carry the uploads/ prefix, so the staged tree roots there.
	target := filepath.Join(scratch, "uploads")
	if err := os.MkdirAll(target, 0o755); err != nil {
		s.failJob(ctx, span, emit, "staging failed", err)
		return
	}

	emit(ingest.Event{
		Type:    ingest.EventMilvusConnected,
		Message: "Connected to vector store",
	})

	prior, err := s.registry.IndexedMetadata(ctx, sp.Name)
	if err != nil {
		s.logger.Warn(ctx, "prior fingerprints unreadable, running a full reindex",
			zap.String("space", sp.Name), zap.Error(err))
		prior = nil
	}

	res, err := s.runner.Run(ctx, ingest.Job{
		Space:       sp,
		TargetPaths: []string{target},
		PriorMeta:   prior,
		Emit:        emit,
		Stop:        stop,
	})
	if err != nil {
		// The pipeline already emitted its error event.
		recordErr(span, err)
		s.logger.Error(ctx, "indexing job failed",
			zap.String("job_id", jobID),
			zap.String("space", sp.Name),
			zap.Error(err))
		return
	}

	s.writeBack(ctx, sp.Name, res)
	s.logger.Info(ctx, "indexing job ended",
		zap.String("job_id", jobID),
		zap.String("space", sp.Name),
		zap.Bool("stopped", res.Stopped),
		zap.Int("files_processed", res.FilesProcessed),
		zap.Int("chunks_total", res.ChunksTotal))
}

// writeBack persists the run's outcome. The fingerprint map is saved
// for stopped runs too, because it must mirror the rows that actually
// landed; stats only move on a completed run.
func (s *Supervisor) writeBack(ctx context.Context, name string, res *ingest.Result) {
	if err := s.registry.SaveIndexedMetadata(ctx, name, res.Metadata); err != nil {
		s.logger.Warn(ctx, "fingerprint write-back failed",
			zap.String("space", name), zap.Error(err))
	}
	if res.Stopped {
		return
	}
	if _, err := s.registry.UpdateStats(ctx, name, res.FilesTotal, res.EmbeddingDim); err != nil {
		s.logger.Warn(ctx, "stats write-back failed",
			zap.String("space", name), zap.Error(err))
	}
}

// failJob reports a staging failure that happened before the pipeline
// could emit its own error event.
func (s *Supervisor) failJob(ctx context.Context, span oteltrace.Span, emit func(ingest.Event), label string, err error) {
	recordErr(span, err)
	s.logger.Error(ctx, "indexing job failed",
		zap.String("stage", label), zap.Error(err))
	emit(ingest.Event{Type: ingest.EventError, Error: label, Message: err.Error()})
}

// publish stamps, snapshots, persists, and enqueues one event. The
// queue never blocks the producer: when full, the oldest event is
// dropped to make room.
func (s *Supervisor) publish(ctx context.Context, bucket string, e ingest.Event) {
	e.Timestamp = time.Now().UTC()

	s.mu.Lock()
	ev := e
	s.last = &ev
	s.mu.Unlock()

	state := progressState{BucketName: bucket, LastProgress: &ev}
	if err := s.objects.PutJSON(ctx, bucket, progressStateKey, state); err != nil {
		s.logger.Warn(ctx, "progress snapshot not persisted",
			zap.String("space", bucket), zap.Error(err))
	}

	for {
		select {
		case s.queue <- e:
			return
		default:
		}
		select {
		case <-s.queue:
			DroppedEvents.Inc()
		default:
		}
	}
}

// broadcast drains the queue into subscriber channels until Close.
func (s *Supervisor) broadcast() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.fanOut(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.fanOut(e)
				default:
					return
				}
			}
		}
	}
}

// fanOut delivers one event to every subscriber. A subscriber whose
// buffer is full is removed; the stream must not stall on one slow
// consumer.
func (s *Supervisor) fanOut(e ingest.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			delete(s.subs, id)
			close(ch)
			Subscribers.Dec()
			s.logger.Warn(context.Background(), "subscriber dropped, not draining",
				zap.String("subscriber", id))
		}
	}
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var _ Runner = (*ingest.Pipeline)(nil)
