// Package chat answers questions grounded on a space's indexed
// documents.
//
// Flow.Ask is the orchestration: record the question, retrieve context
// through the hybrid pipeline, assemble the fixed prompt, stream the
// model's answer, and record the answer with its source citations. The
// model call itself lives behind the Chatter capability.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/logging"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/session"
	"github.com/fyrsmithlabs/corpusd/internal/space"
)

var tracer = otel.Tracer("corpusd.chat")

// Chatter generates a completion for a prompt. onToken, when non-nil,
// receives incremental tokens as they arrive; the full completion is
// returned either way.
type Chatter interface {
	Generate(ctx context.Context, model, prompt string, temperature float64, onToken func(string)) (string, error)
}

// Retriever is the retrieval stage of the ask flow. *retrieval.Pipeline
// satisfies it.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

// Ask is one grounded question over a space.
type Ask struct {
	// Space is the space whose index grounds the answer.
	Space string

	// Question is the user's question.
	Question string

	// TopK bounds the retrieved chunks. Zero means the retrieval
	// default.
	TopK int

	// DisableRerank returns fused order without the rerank stage.
	DisableRerank bool

	// OnToken receives incremental answer tokens when set.
	OnToken func(string)
}

// Answer is the outcome of one Ask.
type Answer struct {
	// Content is the full generated answer.
	Content string

	// Chunks are the retrieved chunks the answer is grounded on.
	Chunks []retrieval.Chunk

	// Sources are the citation summaries recorded on the assistant
	// message.
	Sources []session.Source
}

// Flow runs the ask orchestration for every space.
type Flow struct {
	registry  *space.Registry
	sessions  *session.Store
	retriever Retriever
	chatter   Chatter
	logger    *logging.Logger
}

// NewFlow wires the ask stages together.
func NewFlow(registry *space.Registry, sessions *session.Store, retriever Retriever, chatter Chatter, logger *logging.Logger) (*Flow, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: space registry is required", fault.Invalid)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session store is required", fault.Invalid)
	}
	if retriever == nil {
		return nil, fmt.Errorf("%w: retriever is required", fault.Invalid)
	}
	if chatter == nil {
		return nil, fmt.Errorf("%w: chatter is required", fault.Invalid)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Flow{
		registry:  registry,
		sessions:  sessions,
		retriever: retriever,
		chatter:   chatter,
		logger:    logger.Named("chat"),
	}, nil
}

// Ask answers one question over the space's index.
//
// The question is appended to the active session before retrieval, so
// a dead-end ask still shows in the history. A space that was never
// indexed fails with retrieval.ErrNotIndexed after recording a refusal
// in the session. The answer is generated with the space's configured
// model and temperature and appended with its sources; an answer the
// caller already streamed is not lost to a history write failure.
func (f *Flow) Ask(ctx context.Context, ask Ask) (*Answer, error) {
	ctx, span := tracer.Start(ctx, "chat.Ask",
		oteltrace.WithAttributes(attribute.String("space.name", ask.Space)))
	defer span.End()

	question := strings.TrimSpace(ask.Question)
	if question == "" {
		return nil, recordErr(span, fmt.Errorf("%w: question must not be empty", fault.Invalid))
	}

	sp, err := f.registry.Get(ask.Space)
	if err != nil {
		return nil, recordErr(span, err)
	}

	start := time.Now()
	success := false
	defer func() {
		RecordAsk(success, time.Since(start).Seconds())
	}()

	if err := f.sessions.Append(ctx, sp.Name, session.Message{
		Role:    session.RoleUser,
		Content: question,
	}); err != nil {
		return nil, recordErr(span, fault.Tag(fmt.Errorf("recording question: %w", err), fault.Upstream))
	}

	res, err := f.retriever.Retrieve(ctx, retrieval.Request{
		Space:         sp,
		Query:         question,
		TopK:          ask.TopK,
		DisableRerank: ask.DisableRerank,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrNotIndexed) {
			// The refusal lands in the history like any other answer.
			notice := fmt.Sprintf("No index found for space %q. Please index some files first.", sp.Name)
			if aerr := f.sessions.Append(ctx, sp.Name, session.Message{
				Role:    session.RoleAssistant,
				Content: notice,
			}); aerr != nil {
				f.logger.Warn(ctx, "refusal not recorded",
					zap.String("space", sp.Name), zap.Error(aerr))
			}
		}
		return nil, recordErr(span, err)
	}

	prompt := buildPrompt(res.Context, question)
	content, err := f.chatter.Generate(ctx, sp.Config.LLMModel, prompt, sp.Config.Temperature, ask.OnToken)
	if err != nil {
		return nil, recordErr(span, fault.Tag(fmt.Errorf("generating answer: %w", err), fault.Upstream))
	}

	sources := sourcesOf(res.Chunks)
	if err := f.sessions.Append(ctx, sp.Name, session.Message{
		Role:    session.RoleAssistant,
		Content: content,
		Sources: sources,
	}); err != nil {
		f.logger.Warn(ctx, "answer not recorded",
			zap.String("space", sp.Name), zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("chunks", len(res.Chunks)),
		attribute.Int("answer_chars", len(content)))
	f.logger.Info(ctx, "question answered",
		zap.String("space", sp.Name),
		zap.String("model", sp.Config.LLMModel),
		zap.Int("chunks", len(res.Chunks)))

	success = true
	return &Answer{Content: content, Chunks: res.Chunks, Sources: sources}, nil
}

// answerPreamble is the fixed grounding instruction. The retrieval
// context block is appended as-is, then the question.
const answerPreamble = "You are a helpful coding assistant. " +
	"Answer the user's question based ONLY on the provided code context below. " +
	"If the answer isn't in the context, say you don't know."

func buildPrompt(contextBlock, question string) string {
	return answerPreamble + "\n\nContext:" + contextBlock + "\n\nQuestion: " + question
}

// sourcesOf summarizes chunks for the history record. The citation
// keeps where a chunk came from, not its text.
func sourcesOf(chunks []retrieval.Chunk) []session.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]session.Source, len(chunks))
	for i, c := range chunks {
		sources[i] = session.Source{
			Filename: c.Filename,
			Score:    c.Score,
			Source:   c.Source,
		}
	}
	return sources
}

// recordErr marks the span failed and passes the error through.
func recordErr(span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

var _ Retriever = (*retrieval.Pipeline)(nil)
