package answer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/communiq/communiq/internal/compose"
	"github.com/communiq/communiq/internal/model"
	"github.com/communiq/communiq/internal/retrieve"
	"github.com/communiq/communiq/internal/vecindex"
)

// Fixed answers for the two no-generation paths.
const (
	InsufficientInfoAnswer = "I don't have enough community information to answer that. Try rephrasing, or ask about something the community has discussed."
	DegradedAnswer         = "The answer service is temporarily unavailable. Please try again in a moment."
)

// Generator is the answer-model dependency.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Result is one answered question.
type Result struct {
	SessionID string            `json:"session_id"`
	Answer    string            `json:"answer"`
	Sources   []retrieve.Source `json:"sources"`
	Cached    bool              `json:"cached"`
}

// Orchestrator runs the question path: session bookkeeping, answer cache,
// retrieval, prompt assembly, generation.
type Orchestrator struct {
	retriever *retrieve.Retriever
	generator Generator
	composer  *compose.Composer
	sessions  *Sessions
	cache     *Cache
	index     *vecindex.Index
	logger    *slog.Logger
}

// New creates an Orchestrator.
func New(retriever *retrieve.Retriever, generator Generator, composer *compose.Composer, sessions *Sessions, cache *Cache, index *vecindex.Index, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		composer:  composer,
		sessions:  sessions,
		cache:     cache,
		index:     index,
		logger:    logger,
	}
}

// Ask answers a question within a session. An empty session id starts a new
// session. Requests in the same session are serialized; different sessions
// run concurrently. Zero retrieval results skip the model entirely, and a
// model failure degrades to a fixed answer rather than an error. Only
// cancellation and storage problems surface as errors.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string, opts retrieve.Options) (Result, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess := o.sessions.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	history := sess.history()

	// The cache only serves history-free questions; a follow-up's answer
	// depends on the turns before it.
	cacheKey := Key(question, opts.FilterKey(), o.index.Generation())
	if len(history) == 0 {
		if hit, ok := o.cache.Get(cacheKey); ok {
			sess.append(newTurn(question, hit.Answer, hit.Sources), o.sessions.maxTurns)
			return Result{SessionID: sessionID, Answer: hit.Answer, Sources: hit.Sources, Cached: true}, nil
		}
	}

	retrievalQuery := compose.BuildRetrievalQuery(question, history)
	sources, err := o.retriever.Retrieve(ctx, retrievalQuery, opts)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(err, model.ErrUnavailable) || errors.Is(err, model.ErrRateLimited) {
			o.logger.Warn("retrieval degraded", "session", sessionID, "error", err)
			return Result{SessionID: sessionID, Answer: DegradedAnswer, Sources: []retrieve.Source{}}, nil
		}
		return Result{}, err
	}

	if len(sources) == 0 {
		sess.append(newTurn(question, InsufficientInfoAnswer, nil), o.sessions.maxTurns)
		return Result{SessionID: sessionID, Answer: InsufficientInfoAnswer, Sources: []retrieve.Source{}}, nil
	}

	prompt := o.composer.BuildPrompt(question, sources, history)
	answer, err := o.generator.Generate(ctx, compose.SystemPrompt, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		o.logger.Warn("answer generation degraded", "session", sessionID, "error", err)
		return Result{SessionID: sessionID, Answer: DegradedAnswer, Sources: sources}, nil
	}

	if len(history) == 0 {
		o.cache.Put(cacheKey, CachedAnswer{Answer: answer, Sources: sources})
	}
	sess.append(newTurn(question, answer, sources), o.sessions.maxTurns)

	return Result{SessionID: sessionID, Answer: answer, Sources: sources}, nil
}

// newTurn records a completed exchange with the chunks that backed it.
func newTurn(question, answer string, sources []retrieve.Source) compose.Turn {
	turn := compose.Turn{Question: question, Answer: answer, Timestamp: time.Now().UTC()}
	for _, src := range sources {
		turn.CitedChunkIDs = append(turn.CitedChunkIDs, src.ChunkID)
	}
	return turn
}

// Clear discards a session's history. Reports whether the session existed.
func (o *Orchestrator) Clear(sessionID string) bool {
	return o.sessions.Clear(sessionID)
}
