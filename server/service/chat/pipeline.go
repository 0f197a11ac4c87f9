package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	pkgerrors "github.com/pkg/errors"

	"github.com/gaplens/gaplens/internal/errors"
	"github.com/gaplens/gaplens/plugin/ai"
	"github.com/gaplens/gaplens/plugin/ai/dedup"
	"github.com/gaplens/gaplens/plugin/ai/guard"
	"github.com/gaplens/gaplens/plugin/ai/timeout"
	"github.com/gaplens/gaplens/server/finops"
	"github.com/gaplens/gaplens/server/internal/observability"
	"github.com/gaplens/gaplens/store"
)

// Pipeline stage names used in logs and metrics.
const (
	StageAuth        = "auth"
	StageRateLimit   = "rate_limit"
	StageValidation  = "validation"
	StageInjection   = "injection"
	StageModeration  = "moderation"
	StageDedup       = "dedup"
	StageGeneration  = "generation"
	StagePersistence = "persistence"
)

// defaultHistoryLimit is how many recent messages are loaded for context.
const defaultHistoryLimit = 50

// SendMessageRequest is one inbound user message.
type SendMessageRequest struct {
	ConversationUID string
	UserID          int32
	Tier            Tier
	Content         string
}

// SendMessageResponse is the outcome of a processed message.
type SendMessageResponse struct {
	UserMessage      *store.Message
	AssistantMessage *store.Message
	Cached           bool
	QuotaRemaining   int
}

// Pipeline runs a user message through quota, screening, dedup, context
// building, generation and persistence. Turns within one conversation are
// serialized; different conversations proceed concurrently.
type Pipeline struct {
	store      *store.Store
	limiter    *RateLimiter
	input      *guard.InputGuard
	injection  *guard.InjectionDetector
	moderator  *guard.ContentModerator
	dedupCache *dedup.Cache
	builder    *ContextBuilder
	client     ai.GenerationClient
	metrics    *observability.Metrics
	logger     *slog.Logger
	counter    TokenCounter
	costs      *finops.Estimator

	convLocks    sync.Map // conversation ID -> *sync.Mutex
	historyLimit int

	// usageWG tracks in-flight analytics writers so shutdown can drain them.
	usageWG sync.WaitGroup
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Store      *store.Store
	Limiter    *RateLimiter
	Input      *guard.InputGuard
	Injection  *guard.InjectionDetector
	Moderator  *guard.ContentModerator
	DedupCache *dedup.Cache
	Builder    *ContextBuilder
	Client     ai.GenerationClient
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	// Costs prices generation turns for usage accounting.
	Costs *finops.Estimator
	// HistoryLimit caps how many recent messages feed the context window.
	HistoryLimit int
}

// NewPipeline creates a pipeline. Optional collaborators get defaults.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(nil)
	}
	if cfg.Input == nil {
		cfg.Input = guard.NewInputGuard(0)
	}
	if cfg.Injection == nil {
		cfg.Injection = guard.NewInjectionDetector()
	}
	if cfg.Moderator == nil {
		cfg.Moderator = guard.NewContentModerator(nil)
	}
	if cfg.DedupCache == nil {
		cfg.DedupCache = dedup.NewCache(dedup.Config{})
	}
	if cfg.Builder == nil {
		cfg.Builder = NewContextBuilder(nil, 0)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Costs == nil {
		cfg.Costs = finops.NewEstimator("")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Pipeline{
		store:        cfg.Store,
		limiter:      cfg.Limiter,
		input:        cfg.Input,
		injection:    cfg.Injection,
		moderator:    cfg.Moderator,
		dedupCache:   cfg.DedupCache,
		builder:      cfg.Builder,
		client:       cfg.Client,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		counter:      SimpleTokenCounter{},
		costs:        cfg.Costs,
		historyLimit: cfg.HistoryLimit,
	}
}

// Metrics exposes the pipeline's metrics collector.
func (p *Pipeline) Metrics() *observability.Metrics {
	return p.metrics
}

// Limiter exposes the rate limiter, for quota status endpoints.
func (p *Pipeline) Limiter() *RateLimiter {
	return p.limiter
}

// SendMessage processes one message synchronously and returns both persisted
// turns.
func (p *Pipeline) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	reqCtx, conversation, cleaned, decision, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := p.lockConversation(conversation.ID)
	defer unlock()

	// Serve a near-duplicate of a recent question from cache. The quota slot
	// stays spent: a cache hit is still an answered question.
	if entry, ok := p.dedupCache.Lookup(conversation.ID, cleaned); ok {
		p.metrics.RecordCacheHit()
		reqCtx.Info("dedup cache hit", slog.String(observability.LogFieldStage, StageDedup))
		return p.finishTurn(ctx, reqCtx, conversation, cleaned, &turnResult{
			content:   entry.Answer,
			cached:    true,
			tokensIn:  entry.TokensIn,
			tokensOut: entry.TokensOut,
		}, decision)
	}

	history, err := p.loadHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}
	window := p.builder.Build(p.loadAnalysis(ctx, conversation.AnalysisID), history, cleaned)

	start := time.Now()
	result, err := p.client.Generate(ctx, window.Messages)
	if err != nil {
		p.metrics.RecordFailureAfterSpend(StageGeneration)
		reqCtx.Error("generation failed", err, slog.String(observability.LogFieldStage, StageGeneration))
		return nil, errors.GenerationFailed("generation backend error", err)
	}

	tokensIn, tokensOut := result.TokensIn, result.TokensOut
	if tokensIn == 0 {
		tokensIn = int32(window.TokenCount)
	}
	if tokensOut == 0 {
		tokensOut = int32(p.counter.CountTokens(result.Content))
	}

	return p.finishTurn(ctx, reqCtx, conversation, cleaned, &turnResult{
		content:      result.Content,
		tokensIn:     tokensIn,
		tokensOut:    tokensOut,
		processingMs: time.Since(start).Milliseconds(),
	}, decision)
}

// SendMessageStream processes one message, delivering the assistant response
// incrementally through onChunk. A cancelled or broken stream persists the
// partial content as INCOMPLETE and returns the terminating error.
func (p *Pipeline) SendMessageStream(ctx context.Context, req *SendMessageRequest, onChunk func(chunk string) error) (*SendMessageResponse, error) {
	reqCtx, conversation, cleaned, decision, err := p.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	unlock := p.lockConversation(conversation.ID)
	defer unlock()

	if entry, ok := p.dedupCache.Lookup(conversation.ID, cleaned); ok {
		p.metrics.RecordCacheHit()
		reqCtx.Info("dedup cache hit", slog.String(observability.LogFieldStage, StageDedup))
		if err := onChunk(entry.Answer); err != nil {
			return nil, err
		}
		p.metrics.RecordStreamChunk()
		return p.finishTurn(ctx, reqCtx, conversation, cleaned, &turnResult{
			content:   entry.Answer,
			cached:    true,
			tokensIn:  entry.TokensIn,
			tokensOut: entry.TokensOut,
		}, decision)
	}

	history, err := p.loadHistory(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	window := p.builder.Build(p.loadAnalysis(ctx, conversation.AnalysisID), history, cleaned)

	start := time.Now()
	contentChan, errChan := p.client.GenerateStream(ctx, window.Messages)

	var sb strings.Builder
	var deliverErr error
	for chunk := range contentChan {
		if deliverErr != nil {
			continue // drain
		}
		sb.WriteString(chunk)
		if err := onChunk(chunk); err != nil {
			deliverErr = err
			continue
		}
		p.metrics.RecordStreamChunk()
	}
	streamErr := <-errChan

	if deliverErr != nil || streamErr != nil {
		// The stream did not finish: keep the partial turn, marked so it is
		// never replayed as a complete answer.
		p.metrics.RecordStreamCancel()
		p.persistPartialTurn(ctx, reqCtx, conversation, cleaned, sb.String())
		if deliverErr != nil {
			return nil, deliverErr
		}
		if pkgerrors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
			return nil, streamErr
		}
		p.metrics.RecordFailureAfterSpend(StageGeneration)
		return nil, errors.GenerationFailed("stream terminated", streamErr)
	}

	content := sb.String()
	return p.finishTurn(ctx, reqCtx, conversation, cleaned, &turnResult{
		content:      content,
		tokensIn:     int32(window.TokenCount),
		tokensOut:    int32(p.counter.CountTokens(content)),
		processingMs: time.Since(start).Milliseconds(),
	}, decision)
}

// turnResult carries a generated (or cached) answer into persistence.
type turnResult struct {
	content      string
	cached       bool
	tokensIn     int32
	tokensOut    int32
	processingMs int64
}

// admit runs the pre-generation gauntlet: ownership, quota, validation,
// injection and moderation. Order matters: the quota slot is reserved first,
// so probing the filters costs the caller quota.
func (p *Pipeline) admit(ctx context.Context, req *SendMessageRequest) (*observability.RequestContext, *store.Conversation, string, Decision, error) {
	p.metrics.RecordMessage()

	conversation, err := p.store.GetConversationByUID(ctx, req.ConversationUID)
	if err != nil {
		return nil, nil, "", Decision{}, errors.Wrap(err, errors.ErrCodePersistenceFailed, "load conversation")
	}
	if conversation == nil {
		return nil, nil, "", Decision{}, errors.ConversationNotFound(req.ConversationUID)
	}

	reqCtx := observability.NewRequestContext(p.logger, req.UserID, conversation.ID)

	if conversation.UserID != req.UserID {
		p.metrics.RecordRejection(StageAuth)
		reqCtx.Warn("conversation ownership mismatch")
		return nil, nil, "", Decision{}, errors.Unauthorized("conversation does not belong to caller")
	}

	decision := p.limiter.CheckAndReserve(req.UserID, req.Tier)
	if !decision.Allowed {
		p.metrics.RecordRejection(StageRateLimit)
		reqCtx.Info("quota exceeded", slog.String(observability.LogFieldStage, StageRateLimit))
		return nil, nil, "", decision, errors.QuotaExceeded("message quota exceeded").
			WithContext("resetAt", decision.ResetAt).
			WithContext("limit", decision.Limit)
	}

	cleaned, err := p.input.Validate(req.Content)
	if err != nil {
		p.metrics.RecordRejection(StageValidation)
		reqCtx.Info("validation rejected",
			slog.String(observability.LogFieldStage, StageValidation),
			slog.Int(observability.LogFieldMessageLen, len(req.Content)))
		return nil, nil, "", decision, err
	}

	if err := p.injection.Check(cleaned); err != nil {
		p.metrics.RecordRejection(StageInjection)
		// Log the real reason; the caller only ever sees the generic message.
		reqCtx.Warn("injection attempt detected", slog.String(observability.LogFieldStage, StageInjection))
		return nil, nil, "", decision, err
	}

	if err := p.moderator.Check(ctx, cleaned); err != nil {
		p.metrics.RecordRejection(StageModeration)
		reqCtx.Info("content rejected", slog.String(observability.LogFieldStage, StageModeration))
		return nil, nil, "", decision, err
	}

	return reqCtx, conversation, cleaned, decision, nil
}

// finishTurn persists both turns, updates caches and analytics, and builds
// the response. A persistence failure after generation surfaces the generated
// content so the caller can retry without paying for generation again.
func (p *Pipeline) finishTurn(ctx context.Context, reqCtx *observability.RequestContext, conversation *store.Conversation, question string, result *turnResult, decision Decision) (*SendMessageResponse, error) {
	now := time.Now().Unix()

	userMsg, err := p.store.CreateMessage(ctx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.MessageRoleUser,
		Content:        question,
		Status:         store.MessageStatusComplete,
		CreatedTs:      now,
	})
	if err != nil {
		p.metrics.RecordFailureAfterSpend(StagePersistence)
		reqCtx.Error("user message persistence failed", err, slog.String(observability.LogFieldStage, StagePersistence))
		return nil, errors.PersistenceFailed("failed to save message", err).
			WithContext("generatedContent", result.content)
	}

	assistantMsg, err := p.store.CreateMessage(ctx, &store.Message{
		UID:              shortuuid.New(),
		ConversationID:   conversation.ID,
		Role:             store.MessageRoleAssistant,
		Content:          result.content,
		Status:           store.MessageStatusComplete,
		Cached:           result.cached,
		TokensIn:         result.tokensIn,
		TokensOut:        result.tokensOut,
		ProcessingTimeMs: result.processingMs,
		CreatedTs:        now,
	})
	if err != nil {
		p.metrics.RecordFailureAfterSpend(StagePersistence)
		reqCtx.Error("assistant message persistence failed", err, slog.String(observability.LogFieldStage, StagePersistence))
		return nil, errors.PersistenceFailed("failed to save response", err).
			WithContext("generatedContent", result.content)
	}

	if !result.cached {
		p.dedupCache.Store(conversation.ID, &dedup.Entry{
			Question:  question,
			Answer:    result.content,
			TokensIn:  result.tokensIn,
			TokensOut: result.tokensOut,
		})
	}

	p.recordUsage(conversation, result)

	p.metrics.RecordDuration(reqCtx.Duration())
	reqCtx.Info("message processed",
		slog.Bool(observability.LogFieldCached, result.cached),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))

	return &SendMessageResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Cached:           result.cached,
		QuotaRemaining:   decision.Remaining,
	}, nil
}

// persistPartialTurn stores what a broken stream produced. Best effort: the
// turn is already failing, so persistence errors here are only logged.
func (p *Pipeline) persistPartialTurn(ctx context.Context, reqCtx *observability.RequestContext, conversation *store.Conversation, question, partial string) {
	// Do not inherit the caller's cancelled context.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout.Persistence)
	defer cancel()

	now := time.Now().Unix()
	if _, err := p.store.CreateMessage(persistCtx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.MessageRoleUser,
		Content:        question,
		Status:         store.MessageStatusComplete,
		CreatedTs:      now,
	}); err != nil {
		reqCtx.Error("partial turn user message persistence failed", err)
		return
	}

	if partial == "" {
		return
	}
	if _, err := p.store.CreateMessage(persistCtx, &store.Message{
		UID:            shortuuid.New(),
		ConversationID: conversation.ID,
		Role:           store.MessageRoleAssistant,
		Content:        partial,
		Status:         store.MessageStatusIncomplete,
		CreatedTs:      now,
	}); err != nil {
		reqCtx.Error("partial turn assistant message persistence failed", err)
	}
}

// recordUsage writes the usage event and conversation counters off the
// request path. Analytics must never fail a served message.
func (p *Pipeline) recordUsage(conversation *store.Conversation, result *turnResult) {
	p.usageWG.Add(1)
	go func() {
		defer p.usageWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout.Persistence)
		defer cancel()

		// Cached answers never touched the provider, so they cost nothing.
		var costMicros int64
		if !result.cached {
			costMicros = p.costs.CostMicros(result.tokensIn, result.tokensOut)
		}
		if _, err := p.store.CreateUsageEvent(ctx, &store.UsageEvent{
			UserID:         conversation.UserID,
			ConversationID: conversation.ID,
			TokensIn:       result.tokensIn,
			TokensOut:      result.tokensOut,
			CostMicros:     costMicros,
			Cached:         result.cached,
			CreatedTs:      time.Now().Unix(),
		}); err != nil {
			p.logger.Warn("usage event write failed", "error", err)
		}

		if _, err := p.store.UpsertConversationStats(ctx, &store.UpsertConversationStats{
			ConversationID: conversation.ID,
			AddQuestions:   1,
			AddTokens:      int64(result.tokensIn) + int64(result.tokensOut),
		}); err != nil {
			p.logger.Warn("conversation stats update failed", "error", err)
		}
	}()
}

// loadAnalysis fetches the analysis backing a conversation. A missing or
// failed read degrades to an unframed prompt rather than failing the turn.
func (p *Pipeline) loadAnalysis(ctx context.Context, analysisID int32) *store.Analysis {
	analysis, err := p.store.GetAnalysis(ctx, &store.FindAnalysis{ID: &analysisID})
	if err != nil {
		p.logger.Warn("analysis load failed", "analysis_id", analysisID, "error", err)
		return nil
	}
	return analysis
}

func (p *Pipeline) loadHistory(ctx context.Context, conversationID int32) ([]*store.Message, error) {
	limit := p.historyLimit
	history, err := p.store.ListMessages(ctx, &store.FindMessage{
		ConversationID: &conversationID,
		Limit:          &limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodePersistenceFailed, "load history")
	}
	return history, nil
}

// Flush waits for in-flight analytics writers. Called on shutdown.
func (p *Pipeline) Flush() {
	p.usageWG.Wait()
}

// lockConversation serializes turns within one conversation.
func (p *Pipeline) lockConversation(conversationID int32) func() {
	v, _ := p.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ClearConversation wipes the conversation's messages, analytics counters and
// dedup window. The conversation row survives.
func (p *Pipeline) ClearConversation(ctx context.Context, conversationUID string, userID int32) error {
	conversation, err := p.store.GetConversationByUID(ctx, conversationUID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailed, "load conversation")
	}
	if conversation == nil {
		return errors.ConversationNotFound(conversationUID)
	}
	if conversation.UserID != userID {
		return errors.Unauthorized("conversation does not belong to caller")
	}

	unlock := p.lockConversation(conversation.ID)
	defer unlock()

	if err := p.store.ClearConversation(ctx, conversation.ID); err != nil {
		return errors.Wrap(err, errors.ErrCodePersistenceFailed, "clear conversation")
	}
	p.dedupCache.Invalidate(conversation.ID)
	return nil
}
