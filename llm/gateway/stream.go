package gateway

import (
	"context"
	"time"

	"github.com/basui-dev/llmgateway/llm"
	"github.com/basui-dev/llmgateway/llm/audit"
	"github.com/basui-dev/llmgateway/llm/cache"
	"github.com/basui-dev/llmgateway/llm/health"
	"github.com/basui-dev/llmgateway/types"

	"go.uber.org/zap"
)

// StreamOutcome is returned once the provider stream has been opened and its
// resolved target is known — before the first chunk is necessarily consumed
// by the caller, so audit visibility never waits on a long-lived stream.
type StreamOutcome struct {
	Chunks <-chan llm.StreamChunk
	Event  *audit.Event
}

// RouteStream is the streaming counterpart of Route. Cache lookups are
// skipped for streaming requests unless cache_streaming is set on the
// request (the cacheability rule in llm/cache.IsCacheable governs this); on
// a cache hit the chunks channel carries the cached response as a single
// synthetic chunk.
func (a *Agent) RouteStream(ctx context.Context, req *llm.ChatRequest) (*StreamOutcome, *types.Error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	req.Stream = true
	meta := metaFromRequest(req)

	if a.CacheEnabled && a.Cache != nil && cache.IsCacheable(true, true, req.CacheStreaming, float64(req.Temperature)) {
		key := cache.Fingerprint(a.CachePrefix, req.Model, req.Messages, float64(req.Temperature), req.MaxTokens)
		if entry, err := a.Cache.Get(ctx, key); err == nil {
			if resp, ok := entry.Response.(*llm.ChatResponse); ok && len(resp.Choices) > 0 {
				event := a.Audit.CacheHitEvent(req, req.TraceID)
				a.persistAsync(event)
				out := make(chan llm.StreamChunk, 1)
				out <- syntheticChunk(resp)
				close(out)
				return &StreamOutcome{Chunks: out, Event: event}, nil
			}
		}
	}

	decision, routeErr := a.routeRequest(req, meta)
	if routeErr != nil {
		event := a.Audit.BuildReject(req, routeErr.Message, req.TraceID)
		a.persistAsync(event)
		return nil, routeErr
	}

	provider, ok := a.Providers[decision.Provider]
	if !ok {
		rerr := types.NewError(types.ErrNoHealthyProviders, "resolved provider not registered: "+decision.Provider)
		event := a.Audit.BuildReject(req, rerr.Message, req.TraceID)
		a.persistAsync(event)
		return nil, rerr
	}

	callReq := *req
	callReq.Model = decision.ResolvedModel

	streamCtx := ctx
	if a.StreamTimeout > 0 {
		// Intentionally not cancelled here: the provider's own chunk loop
		// owns the context for the duration of the stream; the caller
		// cancelling ctx (e.g. client disconnect) still propagates.
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, a.StreamTimeout)
		go func() {
			<-streamCtx.Done()
			cancel()
		}()
	}

	upstream, err := provider.Stream(streamCtx, &callReq)
	if err != nil {
		typedErr, ok := err.(*types.Error)
		if !ok {
			typedErr = types.NewError(types.ErrStreaming, "provider stream failed").WithCause(err)
		}
		event := a.Audit.BuildReject(req, typedErr.Message, req.TraceID)
		a.persistAsync(event)
		return nil, typedErr
	}

	availability := a.Tracker.Score(decision.Provider)
	// 流式路径在事件生成时尚无响应与耗时，预算约束只覆盖 token 估算。
	constraints, _ := a.buildConstraints(req, decision, decision.Provider, nil, 0)
	outputs := audit.Outputs{
		SelectedProvider:  decision.Provider,
		SelectedModel:     decision.ResolvedModel,
		ModelTransformed:  decision.ModelTransformed,
		RoutingPath:       []string{"strategy:" + string(decision.StrategyName)},
		FallbackProviders: decision.FallbackProviders,
	}
	event := a.Audit.BuildSelect(audit.DecisionRouteSelect, req, outputs, decision.MatchedRules, availability, constraints, req.TraceID)
	a.persistAsync(event)

	out := make(chan llm.StreamChunk)
	go a.relayStream(decision.Provider, upstream, out)

	return &StreamOutcome{Chunks: out, Event: event}, nil
}

// syntheticChunk collapses a cached unary response into the single final
// chunk a cache-served stream delivers.
func syntheticChunk(resp *llm.ChatResponse) llm.StreamChunk {
	choice := resp.Choices[0]
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	usage := resp.Usage
	return llm.StreamChunk{
		ID:           resp.ID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		Index:        choice.Index,
		Delta:        choice.Message,
		FinishReason: finish,
		Usage:        &usage,
	}
}

// relayStream forwards chunks from the provider, recording a health sample
// once the stream completes (failure if any chunk carried an error, success
// otherwise; whether a finish_reason arrived is not checked).
func (a *Agent) relayStream(providerID string, upstream <-chan llm.StreamChunk, out chan<- llm.StreamChunk) {
	defer close(out)
	start := time.Now()
	success := true
	for chunk := range upstream {
		if chunk.Err != nil {
			success = false
		}
		out <- chunk
	}
	a.Tracker.Record(health.Sample{
		Provider:  providerID,
		Success:   success,
		LatencyMs: float64(time.Since(start).Milliseconds()),
		At:        time.Now(),
	})
	if !success {
		a.Logger.Debug("stream ended with error chunk", zap.String("provider", providerID))
	}
}
