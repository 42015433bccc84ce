// Package gateway implements the Routing Agent: the orchestrator that ties
// the cache, router, health tracker, provider registry, and audit pipeline
// together into the per-request pipeline. It follows
// llm/resilient_provider.go's decorator-composition style, generalized from
// wrapping a single provider with resilience primitives to wrapping the
// whole provider set with routing, caching, and audit.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/basui-dev/llmgateway/internal/pool"
	"github.com/basui-dev/llmgateway/llm"
	"github.com/basui-dev/llmgateway/llm/audit"
	"github.com/basui-dev/llmgateway/llm/cache"
	"github.com/basui-dev/llmgateway/llm/health"
	"github.com/basui-dev/llmgateway/llm/observability"
	"github.com/basui-dev/llmgateway/llm/router"
	"github.com/basui-dev/llmgateway/llm/tokenizer"
	"github.com/basui-dev/llmgateway/types"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Agent is the Routing Agent orchestrator.
type Agent struct {
	ID      string
	Version string

	Providers map[string]llm.Provider
	Router    *router.Router
	Tracker   *health.Tracker
	Cache     *cache.MultiLevelCache
	Audit     *audit.Builder
	Sink      *audit.SinkClient

	CachePrefix   string
	CacheEnabled  bool
	UnaryTimeout  time.Duration
	StreamTimeout time.Duration

	// Metrics, when set, records per-request OTel spans and counters.
	Metrics *observability.Metrics
	// Costs tracks per-request USD cost; feeds the budget:cost constraint.
	Costs *observability.CostTracker
	// CostBudgetUSD / TokenBudget bound one request; 0 means unbounded.
	CostBudgetUSD float64
	TokenBudget   int

	// PersistPool, when set, bounds the goroutines used for async audit
	// persistence; without it each event gets its own goroutine.
	PersistPool *pool.GoroutinePool

	Logger *zap.Logger
}

// Outcome is what Route returns to the caller on success.
type Outcome struct {
	Response *llm.ChatResponse
	Event    *audit.Event
}

// Route runs the non-streaming request pipeline: validate → fingerprint →
// cache check → route → provider call with a health sample per attempt
// (→ fallback*) → event emit → cache put. The decision event is emitted
// before the cache put, not after it. Exactly one decision event is built
// and, if a sink is configured, handed to an asynchronous persist before
// returning (best-effort; the response never waits on it).
func (a *Agent) Route(ctx context.Context, req *llm.ChatRequest) (*Outcome, *types.Error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	meta := metaFromRequest(req)

	var span trace.Span
	if a.Metrics != nil {
		ctx, span = a.Metrics.StartRequest(ctx, observability.RequestAttrs{
			Model:    req.Model,
			TenantID: req.TenantID,
			UserID:   req.UserID,
			TraceID:  req.TraceID,
		})
	}

	if a.CacheEnabled && a.Cache != nil {
		cacheable := cache.IsCacheable(true, req.Stream, req.CacheStreaming, float64(req.Temperature))
		if cacheable {
			key := cache.Fingerprint(a.CachePrefix, req.Model, req.Messages, float64(req.Temperature), req.MaxTokens)
			if entry, err := a.Cache.Get(ctx, key); err == nil {
				resp, ok := entry.Response.(*llm.ChatResponse)
				if ok {
					event := a.Audit.CacheHitEvent(req, req.TraceID)
					a.persistAsync(event)
					if a.Metrics != nil {
						a.Metrics.EndRequest(ctx, span, observability.RequestAttrs{Model: req.Model, TenantID: req.TenantID}, observability.ResponseAttrs{
							Status: "ok",
							Cached: true,
						})
					}
					return &Outcome{Response: resp, Event: event}, nil
				}
			}
			if a.Metrics != nil {
				a.Metrics.RecordCacheMiss(ctx, "", req.Model)
			}
		}
	}

	decision, routeErr := a.routeRequest(req, meta)
	if routeErr != nil {
		event := a.Audit.BuildReject(req, routeErr.Message, req.TraceID)
		a.persistAsync(event)
		a.endRequestMetrics(ctx, span, req, "", nil, routeErr, 0, false, 0)
		return nil, routeErr
	}

	callStart := time.Now()
	resp, decisionType, servedBy, fallbackPath, callErr := a.callWithFallback(ctx, req, decision)
	latency := time.Since(callStart)
	availability := a.Tracker.Score(servedBy)
	if callErr != nil {
		event := a.Audit.BuildReject(req, callErr.Message, req.TraceID)
		a.persistAsync(event)
		a.endRequestMetrics(ctx, span, req, servedBy, nil, callErr, 0, decisionType == audit.DecisionRouteFallback, latency)
		return nil, callErr
	}

	constraints, cost := a.buildConstraints(req, decision, servedBy, resp, latency)

	outputs := audit.Outputs{
		SelectedProvider:  servedBy,
		SelectedModel:     decision.ResolvedModel,
		ModelTransformed:  decision.ModelTransformed,
		RoutingPath:       append([]string{"strategy:" + string(decision.StrategyName)}, fallbackPath...),
		FallbackProviders: decision.FallbackProviders,
	}
	event := a.Audit.BuildSelect(decisionType, req, outputs, decision.MatchedRules, availability, constraints, req.TraceID)
	a.persistAsync(event)
	a.endRequestMetrics(ctx, span, req, servedBy, resp, nil, cost, decisionType == audit.DecisionRouteFallback, latency)

	if a.CacheEnabled && a.Cache != nil && resp != nil && len(resp.Choices) > 0 {
		cacheable := cache.IsCacheable(true, req.Stream, req.CacheStreaming, float64(req.Temperature))
		if cacheable {
			key := cache.Fingerprint(a.CachePrefix, req.Model, req.Messages, float64(req.Temperature), req.MaxTokens)
			_ = a.Cache.Set(ctx, key, &cache.CacheEntry{Response: resp})
		}
	}

	return &Outcome{Response: resp, Event: event}, nil
}

func (a *Agent) routeRequest(req *llm.ChatRequest, meta router.RouteMetadata) (*router.Decision, *types.Error) {
	_, decision, rerr := a.Router.Route(meta, req.Model)
	if rerr != nil {
		return nil, rerr
	}
	return decision, nil
}

// callWithFallback calls the resolved provider, and on a retryable error
// pops the next fallback provider and retries once with the same resolved
// model, upgrading the decision type to RouteFallback. It returns the
// provider that actually served the response and the "fallback:<provider>"
// routing_path segment for every fallback hop taken, so the caller can
// attribute the event and build an accurate routing_path.
func (a *Agent) callWithFallback(ctx context.Context, req *llm.ChatRequest, decision *router.Decision) (*llm.ChatResponse, audit.DecisionType, string, []string, *types.Error) {
	providerID := decision.Provider
	decisionType := audit.DecisionRouteSelect
	remaining := append([]string(nil), decision.FallbackProviders...)
	var fallbackPath []string

	callReq := *req
	callReq.Model = decision.ResolvedModel

	for {
		provider, ok := a.Providers[providerID]
		if !ok {
			return nil, decisionType, providerID, fallbackPath, types.NewError(types.ErrNoHealthyProviders, "resolved provider not registered: "+providerID)
		}

		timeout := a.UnaryTimeout
		if req.Stream {
			timeout = a.StreamTimeout
		}
		callCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		start := time.Now()
		resp, err := provider.Completion(callCtx, &callReq)
		if cancel != nil {
			cancel()
		}
		latency := time.Since(start)

		if err == nil {
			a.Tracker.Record(health.Sample{Provider: providerID, Success: true, LatencyMs: float64(latency.Milliseconds()), At: time.Now()})
			if resp != nil {
				resp.Provider = providerID
			}
			return resp, decisionType, providerID, fallbackPath, nil
		}

		a.Tracker.Record(health.Sample{Provider: providerID, Success: false, LatencyMs: float64(latency.Milliseconds()), At: time.Now()})

		typedErr, ok := err.(*types.Error)
		retryable := ok && typedErr.Retryable
		if !retryable || len(remaining) == 0 {
			if ok {
				return nil, decisionType, providerID, fallbackPath, typedErr
			}
			return nil, decisionType, providerID, fallbackPath, types.NewError(types.ErrInternalError, "provider call failed").WithCause(err)
		}

		providerID, remaining = remaining[0], remaining[1:]
		decisionType = audit.DecisionRouteFallback
		fallbackPath = append(fallbackPath, "fallback:"+providerID)
	}
}

// buildConstraints assembles the constraints_applied record for a completed
// routing attempt: tenant scoping, the model/provider pair the capability
// filter admitted, every rule that fired, and the time/token/cost budgets
// with their exceeded flags. It returns the request's tracked cost so the
// caller can attach it to metrics without recomputing.
func (a *Agent) buildConstraints(req *llm.ChatRequest, decision *router.Decision, servedBy string, resp *llm.ChatResponse, latency time.Duration) ([]audit.Constraint, float64) {
	var constraints []audit.Constraint

	if req.TenantID != "" {
		constraints = append(constraints, audit.Constraint{Kind: "tenant", Detail: req.TenantID})
	}
	constraints = append(constraints, audit.Constraint{
		Kind:   "model_support",
		Detail: decision.ResolvedModel + "@" + servedBy,
	})
	for _, rule := range decision.MatchedRules {
		constraints = append(constraints, audit.Constraint{Kind: "rule", Detail: rule})
	}

	if a.TokenBudget > 0 {
		estimated := estimatePromptTokens(req)
		constraints = append(constraints, audit.Constraint{
			Kind:     "budget:tokens",
			Detail:   fmt.Sprintf("estimated_prompt_tokens=%d budget=%d", estimated, a.TokenBudget),
			Exceeded: estimated > a.TokenBudget,
		})
	}

	if a.UnaryTimeout > 0 && latency > 0 {
		constraints = append(constraints, audit.Constraint{
			Kind:     "budget:time",
			Detail:   fmt.Sprintf("latency=%s budget=%s", latency, a.UnaryTimeout),
			Exceeded: latency >= a.UnaryTimeout,
		})
	}

	var cost float64
	if a.Costs != nil && resp != nil {
		cost = a.Costs.Track(servedBy, decision.ResolvedModel, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		constraints = append(constraints, audit.Constraint{
			Kind:     "budget:cost",
			Detail:   fmt.Sprintf("cost_usd=%.6f budget_usd=%.6f", cost, a.CostBudgetUSD),
			Exceeded: a.CostBudgetUSD > 0 && cost > a.CostBudgetUSD,
		})
	}

	return constraints, cost
}

// estimatePromptTokens counts the request's prompt tokens with the model's
// tokenizer, falling back to the character-ratio estimator for models with
// no registered tokenizer.
func estimatePromptTokens(req *llm.ChatRequest) int {
	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	n, err := tokenizer.GetTokenizerOrEstimator(req.Model).CountMessages(msgs)
	if err != nil {
		return 0
	}
	return n
}

func (a *Agent) endRequestMetrics(ctx context.Context, span trace.Span, req *llm.ChatRequest, servedBy string, resp *llm.ChatResponse, callErr *types.Error, cost float64, fallback bool, latency time.Duration) {
	if a.Metrics == nil {
		return
	}
	attrs := observability.ResponseAttrs{
		Status:   "ok",
		Cost:     cost,
		Fallback: fallback,
		Duration: latency,
	}
	if callErr != nil {
		attrs.Status = "error"
		attrs.ErrorCode = string(callErr.Code)
	}
	if resp != nil {
		attrs.TokensPrompt = resp.Usage.PromptTokens
		attrs.TokensCompletion = resp.Usage.CompletionTokens
	}
	a.Metrics.EndRequest(ctx, span, observability.RequestAttrs{
		Provider: servedBy,
		Model:    req.Model,
		TenantID: req.TenantID,
	}, attrs)
}

func (a *Agent) persistAsync(event *audit.Event) {
	if a.Sink == nil {
		return
	}
	persist := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := a.Sink.Persist(ctx, event); err != nil {
			a.Logger.Warn("failed to persist decision event", zap.Error(err), zap.String("execution_ref", event.ExecutionRef))
		}
		return nil
	}
	if a.PersistPool != nil {
		if err := a.PersistPool.Submit(context.Background(), persist); err == nil {
			return
		}
		// 池已关闭或队列满时退化为独立 goroutine
	}
	go func() {
		_ = persist(context.Background())
	}()
}

func validate(req *llm.ChatRequest) *types.Error {
	return req.Validate()
}

func metaFromRequest(req *llm.ChatRequest) router.RouteMetadata {
	hasVision := false
	for _, m := range req.Messages {
		if len(m.Images) > 0 {
			hasVision = true
			break
		}
	}
	return router.RouteMetadata{
		TenantID:           req.TenantID,
		Tags:               req.Tags,
		PreferredProvider:  req.PreferredProvider,
		FallbackProviders:  req.FallbackProviders,
		Stream:             req.Stream,
		HasTools:           len(req.Tools) > 0,
		ResponseFormatJSON: req.ResponseFormat == "json_object",
		HasVision:          hasVision,
	}
}
