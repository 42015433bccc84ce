package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/basui-dev/llmgateway/llm/health"
	"github.com/basui-dev/llmgateway/types"
)

// Router implements the rule-matched, health-aware provider selection
// algorithm: it resolves a gateway chat request to a (provider,
// RouteDecision) pair through rule match → capability filter → preference
// ordering → health filter → strategy selection → model resolution. When no
// rule matches a request, an optional PrefixRouter supplies a cheap
// model-ID-prefix hint (e.g. "claude-" → "claude") ahead of the unordered
// remaining candidate set, sparing operators from having to declare an
// explicit Rule for every model-to-provider mapping.
type Router struct {
	mu        sync.RWMutex
	rules     []Rule // kept in insertion order; sorted view computed on read
	providers map[string]*ProviderEntry
	health    HealthSource
	tracker   *health.Tracker
	prefixes  *PrefixRouter

	defaultStrategy Strategy

	rrMu      sync.Mutex
	rrCounter map[string]int // round-robin counter, keyed by rule-bucket id
}

// NewRouter creates a Router backed by tracker for health-filtering and
// latency-weighted selection.
func NewRouter(tracker *health.Tracker, defaultStrategy Strategy) *Router {
	if defaultStrategy == "" {
		defaultStrategy = StrategyWeightedRoundRobin
	}
	return &Router{
		providers:       make(map[string]*ProviderEntry),
		health:          tracker,
		tracker:         tracker,
		defaultStrategy: defaultStrategy,
		rrCounter:       make(map[string]int),
	}
}

// SetPrefixRouter installs the model-ID-prefix fallback used when no rule
// matches a request. Pass nil to disable it.
func (r *Router) SetPrefixRouter(pr *PrefixRouter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = pr
}

// RegisterProvider adds or replaces a routing candidate.
func (r *Router) RegisterProvider(entry ProviderEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := entry
	r.providers[entry.ID] = &e
}

// DeregisterProvider removes a routing candidate.
func (r *Router) DeregisterProvider(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// SetRules replaces the rule table wholesale.
func (r *Router) SetRules(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]Rule(nil), rules...)
}

// AddRule appends one rule to the table.
func (r *Router) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// UpdateHealth is a pass-through to the underlying tracker; callers normally
// feed the tracker directly via health.Checker or Record().
func (r *Router) UpdateHealth(provider string, success bool, latencyMs float64) {
	if r.tracker == nil {
		return
	}
	r.tracker.Record(health.Sample{Provider: provider, Success: success, LatencyMs: latencyMs})
}

// Route runs the six-step selection algorithm against the registered rules
// and providers for req, returning the resolved provider id and the
// decision record, or a Validation/NoHealthyProviders *types.Error.
func (r *Router) Route(req RouteMetadata, model string) (string, *Decision, *types.Error) {
	r.mu.RLock()
	rules := append([]Rule(nil), r.rules...)
	providers := make(map[string]*ProviderEntry, len(r.providers))
	for k, v := range r.providers {
		providers[k] = v
	}
	prefixes := r.prefixes
	r.mu.RUnlock()

	// Step 1: rule match, priority order (highest first, ties by insertion
	// order — stable sort preserves the slice's original relative order).
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	var matched *Rule
	var candidateIDs []string
	var matchedRules []string
	resolvedModel := model
	modelTransformed := false

	for i := range rules {
		rule := rules[i]
		if !ruleMatches(rule.Condition, req, model) {
			continue
		}
		matched = &rules[i]
		candidateIDs = append(candidateIDs, rule.Providers...)
		matchedRules = append(matchedRules, rule.ID)
		if rule.ModelRewrite != "" && rule.ModelRewrite != resolvedModel {
			resolvedModel = rule.ModelRewrite
			modelTransformed = true
		}
		break // first matching rule wins
	}
	if matched == nil {
		if prefixes != nil {
			if providerID, ok := prefixes.RouteByModelID(model); ok {
				if _, exists := providers[providerID]; exists {
					candidateIDs = append(candidateIDs, providerID)
				}
			}
		}
		// 其余候选按声明优先级降序、再按 id 稳定排序，保证默认候选集
		// 的枚举顺序是确定的（map 遍历顺序不可依赖）。
		rest := make([]*ProviderEntry, 0, len(providers))
		for id, p := range providers {
			if !containsString(candidateIDs, id) {
				rest = append(rest, p)
			}
		}
		sort.Slice(rest, func(i, j int) bool {
			if rest[i].Priority != rest[j].Priority {
				return rest[i].Priority > rest[j].Priority
			}
			return rest[i].ID < rest[j].ID
		})
		for _, p := range rest {
			candidateIDs = append(candidateIDs, p.ID)
		}
	}

	var candidates []*ProviderEntry
	for _, id := range candidateIDs {
		if p, ok := providers[id]; ok {
			candidates = append(candidates, p)
		}
	}

	// Step 2: capability filter.
	candidates = filterCapable(candidates, req)

	// Step 3: exclusions & preferences.
	candidates = applyPreferences(candidates, req)

	// Step 4: health filter.
	candidates, rejectReason := r.filterHealthy(candidates)
	if len(candidates) == 0 {
		return "", &Decision{
			Rejected:        true,
			RejectionReason: rejectReason,
			MatchedRules:    matchedRules,
		}, types.NewError(types.ErrNoHealthyProviders, rejectReason)
	}

	// Step 5: selection strategy.
	strategy := r.defaultStrategy
	if matched != nil && matched.Strategy != "" {
		strategy = matched.Strategy
	}
	bucket := rulebucket(matched)
	selected := r.selectByStrategy(strategy, candidates, bucket)

	// Step 6: model resolution via capability alias map, if any.
	if alias, ok := selected.Capabilities.ModelAliases[resolvedModel]; ok && alias != resolvedModel {
		resolvedModel = alias
		modelTransformed = true
	}

	fallbacks := make([]string, 0, len(candidates)-1)
	for _, c := range candidates {
		if c.ID != selected.ID {
			fallbacks = append(fallbacks, c.ID)
		}
	}

	return selected.ID, &Decision{
		Provider:          selected.ID,
		ResolvedModel:     resolvedModel,
		ModelTransformed:  modelTransformed,
		MatchedRules:      matchedRules,
		StrategyName:      strategy,
		FallbackProviders: fallbacks,
	}, nil
}

func ruleMatches(c Condition, req RouteMetadata, model string) bool {
	if c.ModelPrefix != "" && !strings.HasPrefix(model, c.ModelPrefix) {
		return false
	}
	if c.TenantID != "" && c.TenantID != req.TenantID {
		return false
	}
	if c.RequiresStream && !req.Stream {
		return false
	}
	for _, tag := range c.Tags {
		if !containsString(req.Tags, tag) {
			return false
		}
	}
	return true
}

func filterCapable(candidates []*ProviderEntry, req RouteMetadata) []*ProviderEntry {
	out := candidates[:0:0]
	for _, c := range candidates {
		if req.Stream && !c.Capabilities.Streaming {
			continue
		}
		if req.HasTools && !c.Capabilities.FunctionCalling {
			continue
		}
		if req.ResponseFormatJSON && !c.Capabilities.JSONMode {
			continue
		}
		if req.HasVision && !c.Capabilities.Vision {
			continue
		}
		out = append(out, c)
	}
	return out
}

func applyPreferences(candidates []*ProviderEntry, req RouteMetadata) []*ProviderEntry {
	if req.PreferredProvider == "" && len(req.FallbackProviders) == 0 {
		return candidates
	}

	byID := make(map[string]*ProviderEntry, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	var ordered []*ProviderEntry
	seen := make(map[string]bool)

	if p, ok := byID[req.PreferredProvider]; ok {
		ordered = append(ordered, p)
		seen[p.ID] = true
	}
	for _, id := range req.FallbackProviders {
		if p, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, p)
			seen[id] = true
		}
	}
	for _, c := range candidates {
		if !seen[c.ID] {
			ordered = append(ordered, c)
			seen[c.ID] = true
		}
	}
	return ordered
}

func (r *Router) filterHealthy(candidates []*ProviderEntry) ([]*ProviderEntry, string) {
	if r.health == nil {
		return candidates, ""
	}
	var healthy, degraded []*ProviderEntry
	for _, c := range candidates {
		switch r.health.StatusOf(c.ID) {
		case health.StatusHealthy:
			healthy = append(healthy, c)
		case health.StatusDegraded:
			degraded = append(degraded, c)
		}
	}
	if len(healthy) > 0 {
		return healthy, ""
	}
	if len(degraded) > 0 {
		return degraded, ""
	}
	return nil, "no healthy providers"
}

// rulebucket returns the counter key a strategy's shared state is scoped to
// — one bucket per matching rule, or a single global bucket when no rule
// matched.
func rulebucket(matched *Rule) string {
	if matched == nil {
		return "__default__"
	}
	return matched.ID
}

// selectByStrategy picks from candidates in their established order: rule
// declaration order, preference promotion, or the default priority/id
// ordering built during candidate enumeration. Re-sorting here would undo
// the preference step, so ties in the scanning strategies simply keep the
// earlier (higher-ordered) candidate.
func (r *Router) selectByStrategy(strategy Strategy, candidates []*ProviderEntry, bucket string) *ProviderEntry {
	switch strategy {
	case StrategyRoundRobin:
		return r.roundRobin(candidates, bucket, false)
	case StrategyWeightedRoundRobin:
		return r.roundRobin(candidates, bucket, true)
	case StrategyLeastConnections:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.ActiveConnections < best.ActiveConnections {
				best = c
			}
		}
		return best
	case StrategyLatencyWeighted:
		best := candidates[0]
		bestLatency := r.tracker.AvgLatencyMs(best.ID)
		for _, c := range candidates[1:] {
			lat := r.tracker.AvgLatencyMs(c.ID)
			if lat < bestLatency {
				best, bestLatency = c, lat
			}
		}
		return best
	default:
		return candidates[0]
	}
}

func (r *Router) roundRobin(candidates []*ProviderEntry, bucket string, weighted bool) *ProviderEntry {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()

	if !weighted {
		idx := r.rrCounter[bucket] % len(candidates)
		r.rrCounter[bucket]++
		return candidates[idx]
	}

	totalWeight := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}
	counter := r.rrCounter[bucket] % totalWeight
	r.rrCounter[bucket]++

	cumulative := 0
	for _, c := range candidates {
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		cumulative += w
		if cumulative > counter {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
