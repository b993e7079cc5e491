package corpusd_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd"
	"github.com/fyrsmithlabs/corpusd/internal/chat"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/objectstore"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/session"
	"github.com/fyrsmithlabs/corpusd/internal/space"
	"github.com/fyrsmithlabs/corpusd/internal/supervisor"
	"github.com/fyrsmithlabs/corpusd/internal/vectorstore"
)

// modelFactory hands out deterministic hash-based embedders, one
// dimension per model name, standing in for a model server. A gate can
// suspend document embedding mid-job so tests can observe a running
// supervisor at a known point.
type modelFactory struct {
	mu         sync.Mutex
	dims       map[string]int
	docCalls   int
	queryCalls int

	gate      chan struct{}
	gateAfter int
}

func (f *modelFactory) factory() embeddings.Factory {
	return func(model string) (embeddings.Embedder, error) {
		f.mu.Lock()
		dim, ok := f.dims[model]
		f.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown embedding model %q", model)
		}
		return &fakeEmbedder{f: f, dim: dim}, nil
	}
}

func (f *modelFactory) calls() (docs, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docCalls, f.queryCalls
}

// gateDocs makes document embedding block once more than after calls
// have been made. Close the returned channel to release.
func (f *modelFactory) gateDocs(after int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	f.gateAfter = after
	return f.gate
}

type fakeEmbedder struct {
	f   *modelFactory
	dim int
}

func (e *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.f.mu.Lock()
	e.f.docCalls++
	gate := e.f.gate
	blocked := gate != nil && e.f.docCalls > e.f.gateAfter
	e.f.mu.Unlock()

	if blocked {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = hashVector(text, e.dim)
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	e.f.mu.Lock()
	e.f.queryCalls++
	e.f.mu.Unlock()
	return hashVector(text, e.dim), nil
}

func hashVector(text string, dim int) []float32 {
	sum := xxhash.Sum64String(text)
	vec := make([]float32, dim)
	for i := range vec {
		if sum>>(uint(i)%64)&1 == 1 {
			vec[i] = 1
		} else {
			vec[i] = -1
		}
	}
	return vec
}

// stubChatter echoes a canned answer and records every prompt.
type stubChatter struct {
	mu      sync.Mutex
	answer  string
	models  []string
	prompts []string
}

func (c *stubChatter) Generate(_ context.Context, model, prompt string, _ float64, onToken func(string)) (string, error) {
	c.mu.Lock()
	c.models = append(c.models, model)
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if onToken != nil {
		onToken(c.answer)
	}
	return c.answer, nil
}

func (c *stubChatter) seen() (models, prompts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.models...), append([]string(nil), c.prompts...)
}

type stubRenderer struct{ pdf []byte }

func (r *stubRenderer) Render(context.Context, string) ([]byte, error) {
	return r.pdf, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Milvus:      config.MilvusConfig{Host: "localhost", Port: 19530},
		Minio:       config.MinioConfig{Endpoint: "minio:9000", AccessKey: "minioadmin", SecretKey: "minioadmin"},
		Ollama:      config.OllamaConfig{BaseURL: "http://localhost:11434"},
		VectorStore: config.VectorStoreConfig{Provider: "chromem", Path: t.TempDir()},
		Project:     config.ProjectConfig{Path: t.TempDir()},
		Logging:     config.LoggingConfig{Level: "error", Format: "json"},
	}
}

// fixture wires a full service over in-memory fakes. No network, no
// model server, no browser.
type fixture struct {
	t       *testing.T
	ctx     context.Context
	svc     *corpusd.Service
	vectors vectorstore.Store
	factory *modelFactory
	chatter *stubChatter
	subSeq  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	objects := objectstore.NewMemoryStore()
	vectors, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	factory := &modelFactory{dims: map[string]int{
		"nomic-embed-text": 768,
		"alt-embed":        384,
	}}
	chatter := &stubChatter{answer: "Hello from the index."}

	svc, err := corpusd.New(ctx, testConfig(t),
		corpusd.WithLogger(logging.NewNop()),
		corpusd.WithObjectStore(objects),
		corpusd.WithVectorStore(vectors),
		corpusd.WithEmbedder(factory.factory()),
		corpusd.WithChatter(chatter),
		corpusd.WithPageRenderer(&stubRenderer{pdf: []byte("%PDF-1.4 stub")}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &fixture{
		t: t, ctx: ctx, svc: svc,
		vectors: vectors,
		factory: factory, chatter: chatter,
	}
}

func (f *fixture) createSpace(name string) space.Space {
	f.t.Helper()
	sp, err := f.svc.Spaces().Create(f.ctx, name, space.Config{})
	require.NoError(f.t, err)
	return sp
}

func (f *fixture) upload(spaceName, name, content string) {
	f.t.Helper()
	key := space.UploadsPrefix + name
	require.NoError(f.t, f.svc.Objects().PutBytes(f.ctx, spaceName, key, []byte(content), "text/plain"))
}

// index runs one supervised job to its terminal event and returns
// everything the subscriber saw, in order.
func (f *fixture) index(spaceName string) []ingest.Event {
	f.t.Helper()
	sup := f.svc.Supervisor()

	f.subSeq++
	id := fmt.Sprintf("sub-%d", f.subSeq)
	ch := sup.Subscribe(id)
	defer sup.Unsubscribe(id)
	if sup.Status().LastProgress != nil {
		<-ch // snapshot left over from the previous job
	}

	_, err := sup.Start(f.ctx, spaceName)
	require.NoError(f.t, err)

	events := f.collect(ch)
	f.waitIdle()
	return events
}

// collect drains events until a terminal one arrives.
func (f *fixture) collect(ch <-chan ingest.Event) []ingest.Event {
	f.t.Helper()
	var events []ingest.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				f.t.Fatalf("event stream closed before a terminal event; saw %v", eventTypes(events))
			}
			events = append(events, e)
			switch e.Type {
			case ingest.EventComplete, ingest.EventStopped, ingest.EventError:
				return events
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for a terminal event; saw %v", eventTypes(events))
		}
	}
}

// waitIdle blocks until the supervisor has finished writing back job
// results. Registry stats are not current until then.
func (f *fixture) waitIdle() {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return !f.svc.Supervisor().Status().Running },
		5*time.Second, 5*time.Millisecond)
}

func eventTypes(events []ingest.Event) []ingest.EventType {
	out := make([]ingest.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func hasEvent(events []ingest.Event, typ ingest.EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func terminal(events []ingest.Event) ingest.Event {
	return events[len(events)-1]
}

func TestService_IndexAndRetrieve(t *testing.T) {
	f := newFixture(t)

	sp := f.createSpace("Docs A")
	assert.Equal(t, "docs-a", sp.StorageKey)
	assert.Equal(t, 1000, sp.Config.ChunkSize)

	f.upload("Docs A", "readme.md", "Hello world\nSecond line")

	events := f.index("Docs A")
	assert.True(t, hasEvent(events, ingest.EventCollectionCreated))

	done := terminal(events)
	require.Equal(t, ingest.EventComplete, done.Type)
	assert.Equal(t, 1, done.FilesTotal)
	assert.Equal(t, 1, done.FilesProcessed)
	assert.Equal(t, 1, done.ChunksTotal)
	assert.Equal(t, float64(100), done.Percentage)
	assert.Contains(t, done.Metadata, "readme.md")

	sp, err := f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)
	assert.Equal(t, 1, sp.FileCount)
	assert.Equal(t, 768, sp.Config.EmbeddingDim)
	require.NotNil(t, sp.LastIndexed)

	res, err := f.svc.Retrieval().Retrieve(f.ctx, retrieval.Request{
		Space:         sp,
		Query:         "hello",
		TopK:          3,
		DisableRerank: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, "readme.md", res.Chunks[0].Filename)
	assert.True(t, strings.HasPrefix(res.Chunks[0].Content, "Hello world"))
	assert.Contains(t, res.Context, "readme.md")
}

func TestService_ReindexUnchangedSkipsEmbedder(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")
	f.index("Docs A")

	docsBefore, queriesBefore := f.factory.calls()

	events := f.index("Docs A")
	done := terminal(events)
	require.Equal(t, ingest.EventComplete, done.Type)
	assert.Equal(t, 1, done.FilesTotal)
	assert.Equal(t, 0, done.FilesProcessed)
	assert.Equal(t, "All files up to date", done.Message)

	docsAfter, queriesAfter := f.factory.calls()
	assert.Equal(t, docsBefore, docsAfter, "unchanged files must not be re-embedded")
	assert.Equal(t, queriesBefore, queriesAfter)
}

func TestService_ReindexChangedFileReplacesChunks(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")
	f.index("Docs A")

	f.upload("Docs A", "readme.md", "Hello world\nThird line")

	events := f.index("Docs A")
	assert.True(t, hasEvent(events, ingest.EventFileDeleted), "stale rows are purged before reinsert")
	assert.True(t, hasEvent(events, ingest.EventCollectionReused))

	done := terminal(events)
	require.Equal(t, ingest.EventComplete, done.Type)
	assert.Equal(t, 1, done.FilesProcessed)

	sp, err := f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)
	hits, err := f.vectors.Search(f.ctx, sp.CollectionKey, hashVector("probe", 768), 100)
	require.NoError(t, err)
	require.Len(t, hits, 1, "collection holds exactly the new revision")
	assert.Equal(t, "readme.md", hits[0].Filename)
	assert.Equal(t, "Hello world\nThird line", hits[0].Content)
}

func TestService_ModelSwitchRecreatesCollection(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")
	f.index("Docs A")

	sp, err := f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)
	require.Equal(t, 768, sp.Config.EmbeddingDim)

	next := sp.Config
	next.EmbeddingModel = "alt-embed"
	next.EmbeddingDim = 0 // dimension follows the model
	_, err = f.svc.Spaces().UpdateConfig(f.ctx, "Docs A", next)
	require.NoError(t, err)

	events := f.index("Docs A")
	assert.True(t, hasEvent(events, ingest.EventDimensionDetected))
	assert.True(t, hasEvent(events, ingest.EventCollectionReset),
		"mismatched collection is dropped and recreated")

	done := terminal(events)
	require.Equal(t, ingest.EventComplete, done.Type)
	assert.Equal(t, 384, done.EmbeddingDim)
	assert.Equal(t, 1, done.FilesProcessed)

	sp, err = f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)
	assert.Equal(t, 384, sp.Config.EmbeddingDim)

	hits, err := f.vectors.Search(f.ctx, sp.CollectionKey, hashVector("probe", 384), 100)
	require.NoError(t, err)
	require.Len(t, hits, 1, "no rows from the previous dimension survive")
	assert.Equal(t, "readme.md", hits[0].Filename)
}

func TestService_SecondStartConflicts(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")

	gate := f.factory.gateDocs(0)
	release := sync.OnceFunc(func() { close(gate) })
	defer release()

	sup := f.svc.Supervisor()
	ch := sup.Subscribe("watcher")
	defer sup.Unsubscribe("watcher")

	jobID, err := sup.Start(f.ctx, "Docs A")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	_, err = sup.Start(f.ctx, "Docs A")
	require.ErrorIs(t, err, supervisor.ErrJobRunning)
	assert.Equal(t, fault.Conflict, fault.Kind(err))

	st := sup.Status()
	assert.True(t, st.Running, "rejected start must not disturb the running job")
	assert.Equal(t, jobID, st.JobID)
	assert.Equal(t, "Docs A", st.Space)

	release()
	events := f.collect(ch)
	done := terminal(events)
	require.Equal(t, ingest.EventComplete, done.Type)
	assert.Equal(t, 1, done.FilesProcessed)
}

func TestService_MidJobSubscriberGetsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "a.txt", "alpha content")
	f.upload("Docs A", "b.txt", "bravo content")

	// a.txt embeds, then the job parks on b.txt.
	gate := f.factory.gateDocs(1)
	release := sync.OnceFunc(func() { close(gate) })
	defer release()

	sup := f.svc.Supervisor()
	_, err := sup.Start(f.ctx, "Docs A")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		lp := sup.Status().LastProgress
		return lp != nil && lp.Type == ingest.EventFileStarted && lp.CurrentFile == "b.txt"
	}, 5*time.Second, 5*time.Millisecond)

	ch := sup.Subscribe("late")
	defer sup.Unsubscribe("late")

	select {
	case got := <-ch:
		assert.Equal(t, ingest.EventFileStarted, got.Type)
		assert.Equal(t, "b.txt", got.CurrentFile)
	case <-time.After(2 * time.Second):
		t.Fatal("late subscriber did not receive the snapshot immediately")
	}

	release()
	events := f.collect(ch)
	require.Equal(t, ingest.EventComplete, terminal(events).Type)

	// Only progress from the subscription point onward flows to a late
	// subscriber; nothing from before the snapshot is replayed.
	assert.False(t, hasEvent(events, ingest.EventDownloading))
	assert.False(t, hasEvent(events, ingest.EventFilesCounted))
	for _, e := range events {
		assert.NotEqual(t, "a.txt", e.CurrentFile)
	}
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp),
			"events must arrive in emission order")
	}
}

func TestService_AskRecordsSession(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")
	f.index("Docs A")

	var streamed strings.Builder
	ans, err := f.svc.Chat().Ask(f.ctx, chat.Ask{
		Space:    "Docs A",
		Question: "What does the readme say?",
		OnToken:  func(tok string) { streamed.WriteString(tok) },
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello from the index.", ans.Content)
	assert.Equal(t, "Hello from the index.", streamed.String())
	require.NotEmpty(t, ans.Chunks)
	assert.Equal(t, "readme.md", ans.Chunks[0].Filename)
	require.NotEmpty(t, ans.Sources)
	assert.Equal(t, "readme.md", ans.Sources[0].Filename)

	models, prompts := f.chatter.seen()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Hello world", "prompt carries the retrieved context")
	assert.Equal(t, []string{"llama3.2"}, models)

	history, err := f.svc.Sessions().History(f.ctx, "Docs A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "What does the readme say?", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello from the index.", history[1].Content)
}

func TestService_DeleteSpaceRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")
	f.upload("Docs A", "readme.md", "Hello world\nSecond line")
	f.index("Docs A")

	_, err := f.svc.Chat().Ask(f.ctx, chat.Ask{Space: "Docs A", Question: "hi"})
	require.NoError(t, err)
	_, err = f.svc.Sessions().Clear(f.ctx, "Docs A") // active session is now 2
	require.NoError(t, err)

	sp, err := f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSpace(f.ctx, "Docs A"))

	_, err = f.svc.Spaces().Get("Docs A")
	assert.ErrorIs(t, err, space.ErrNotFound)

	buckets, err := f.svc.Objects().ListBuckets(f.ctx)
	require.NoError(t, err)
	assert.NotContains(t, buckets, sp.StorageKey)

	has, err := f.vectors.HasCollection(f.ctx, sp.CollectionKey)
	require.NoError(t, err)
	assert.False(t, has)

	// A recreated space starts from scratch, session numbering included.
	f.createSpace("Docs A")
	require.NoError(t, f.svc.Sessions().Append(f.ctx, "Docs A", session.Message{
		Role:    session.RoleUser,
		Content: "fresh start",
	}))
	infos, err := f.svc.Sessions().Sessions(f.ctx, "Docs A")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].ID)
}

func TestService_ScrapeStoresArtifact(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")

	require.NoError(t, f.svc.Scrape(f.ctx, "Docs A", "https://example.com/guide"))

	keys, err := f.svc.Objects().ListObjects(f.ctx, "Docs A", "uploads/scraped/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Regexp(t, `^uploads/scraped/example_com_guide_\d{8}-\d{6}\.pdf$`, keys[0])

	sp, err := f.svc.Spaces().Get("Docs A")
	require.NoError(t, err)
	assert.Contains(t, sp.Uploads, keys[0], "artifact shows up without an explicit sync")
}

func TestService_ScrapeWithoutRenderer(t *testing.T) {
	ctx := context.Background()

	// No WithPageRenderer and no WithVectorStore: the embedded provider
	// from the config serves the vector side.
	svc, err := corpusd.New(ctx, testConfig(t),
		corpusd.WithLogger(logging.NewNop()),
		corpusd.WithObjectStore(objectstore.NewMemoryStore()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	err = svc.Scrape(ctx, "Docs A", "https://example.com/")
	require.ErrorIs(t, err, corpusd.ErrNoRenderer)
	assert.Equal(t, fault.Invalid, fault.Kind(err))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Provider = "sqlite"

	_, err := corpusd.New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported vectorstore provider")
}

func TestService_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createSpace("Docs A")

	require.NoError(t, f.svc.Close())
	require.NoError(t, f.svc.Close())

	_, err := f.svc.Supervisor().Start(f.ctx, "Docs A")
	require.ErrorIs(t, err, supervisor.ErrClosed)
}
