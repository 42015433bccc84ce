package router

import "github.com/basui-dev/llmgateway/llm/health"

// Strategy names the selection strategy used once a candidate set survives
// rule matching, capability filtering, and health filtering.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyLatencyWeighted    Strategy = "latency_weighted"
)

// Condition is the conjunctive match predicate for a Rule. A nil/zero field
// is treated as "don't care"; all non-zero fields must match for the rule to
// fire.
type Condition struct {
	ModelPrefix    string   // e.g. "claude" — req.Model must start with this
	TenantID       string   // req.TenantID must equal this
	Tags           []string // every tag here must be present in req.Tags
	RequiresStream bool     // rule only applies to streaming requests
}

// Rule is one entry in the gateway's routing table, evaluated in priority
// order (highest first, ties by insertion order — the order Rules are
// appended to Router.rules).
type Rule struct {
	ID           string
	Priority     int
	Condition    Condition
	Providers    []string // candidate provider set this rule yields
	ModelRewrite string   // optional model alias applied on match
	Strategy     Strategy // selection strategy; empty = router default
}

// Capabilities describes what a provider/model combination supports, used by
// the capability filter step.
type Capabilities struct {
	Streaming        bool
	FunctionCalling  bool
	JSONMode         bool
	Vision           bool
	ModelAliases     map[string]string // logical model -> provider-local model id
}

// ProviderEntry is one registered routing candidate.
type ProviderEntry struct {
	ID           string
	Weight       int
	Priority     int
	Capabilities Capabilities
	// ActiveConnections is read by the least-connections strategy; callers
	// own incrementing/decrementing it around in-flight calls.
	ActiveConnections int
}

// RouteMetadata carries the request-scoped steering fields from the unified
// request's metadata block.
type RouteMetadata struct {
	TenantID           string
	Tags               []string
	PreferredProvider  string
	FallbackProviders  []string
	Stream             bool
	HasTools           bool
	ResponseFormatJSON bool
	HasVision          bool
}

// Decision is the router's output for one request: the resolved provider
// and model plus the audit-facing record of how they were chosen.
type Decision struct {
	Provider          string
	ResolvedModel     string
	ModelTransformed  bool
	MatchedRules      []string
	StrategyName      Strategy
	FallbackProviders []string
	Rejected          bool
	RejectionReason   string
}

// HealthSource abstracts the health tracker so the router package doesn't
// need to import concrete health-check wiring in tests.
type HealthSource interface {
	StatusOf(provider string) health.Status
}
