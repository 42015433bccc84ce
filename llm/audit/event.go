// Package audit builds and persists decision events — the record of why the
// routing agent resolved a request the way it did. Its hashing conventions
// follow llm/cache's fingerprinting style and its persistence client follows
// llm/retry's backoff conventions, generalized from prompt-cache-key hashing
// and provider-call retries to audit-event canonicalization and delivery.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// DecisionType classifies how a routing attempt concluded.
type DecisionType string

const (
	DecisionRouteSelect   DecisionType = "RouteSelect"
	DecisionRouteFallback DecisionType = "RouteFallback"
	DecisionRouteReject   DecisionType = "RouteReject"
	// DecisionHealthChange records a provider crossing a health-status
	// threshold (healthy/degraded/unhealthy); emitted by the health
	// tracker's transition hook, not by a request.
	DecisionHealthChange DecisionType = "ProviderHealthChange"
)

// Confidence holds the three confidence scalars, each in [0, 1].
type Confidence struct {
	RuleMatch    float64 `json:"rule_match"`
	Availability float64 `json:"availability"`
	Overall      float64 `json:"overall"`
}

// Outputs is the decision-output record carried by an Event.
type Outputs struct {
	SelectedProvider  string   `json:"selected_provider,omitempty"`
	SelectedModel     string   `json:"selected_model,omitempty"`
	ModelTransformed  bool     `json:"model_transformed"`
	RoutingPath       []string `json:"routing_path,omitempty"`
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	RejectionReason   string   `json:"rejection_reason,omitempty"`
}

// Constraint records one constraint considered while building the decision
// (tenant scoping, model support, a rule-imposed policy, or a performance
// budget check).
type Constraint struct {
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
	Exceeded bool   `json:"exceeded"`
}

// Event is the DecisionEvent persisted for every routed request, exactly
// once, regardless of outcome.
type Event struct {
	AgentID            string       `json:"agent_id"`
	AgentVersion       string       `json:"agent_version"`
	DecisionType       DecisionType `json:"decision_type"`
	InputsHash         string       `json:"inputs_hash"`
	Outputs            Outputs      `json:"outputs"`
	Confidence         Confidence   `json:"confidence"`
	ConstraintsApplied []Constraint `json:"constraints_applied,omitempty"`
	ExecutionRef       string       `json:"execution_ref"`
	Timestamp          time.Time    `json:"timestamp"`
	EvidenceRefs       []string     `json:"evidence_refs,omitempty"`
}

// Builder accumulates the pieces of a decision event for one request and
// produces the final, immutable Event.
type Builder struct {
	AgentID      string
	AgentVersion string
}

// NewBuilder creates a Builder stamping every event it produces with the
// given agent identity.
func NewBuilder(agentID, agentVersion string) *Builder {
	return &Builder{AgentID: agentID, AgentVersion: agentVersion}
}

// InputsHash computes the SHA-256 hash over the canonical JSON serialization
// of the ingress request. Go's encoding/json marshals struct fields in their
// declared order deterministically, which is sufficient canonicalization as
// long as the request type's field order is stable — the unified request
// type's field order is part of the gateway's wire contract and must not be
// reordered.
func (b *Builder) InputsHash(request any) string {
	data, _ := json.Marshal(request)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Confidences computes the rule_match/availability/overall scalars.
func Confidences(matchedRules []string, availability float64) Confidence {
	ruleMatch := 0.7
	if len(matchedRules) > 0 {
		ruleMatch = math.Min(1.0, 0.8+0.05*float64(len(matchedRules)))
	}
	overall := math.Sqrt(ruleMatch * availability)
	return Confidence{
		RuleMatch:    ruleMatch,
		Availability: availability,
		Overall:      overall,
	}
}

// BuildSelect constructs a RouteSelect (or RouteFallback, via decisionType)
// event for a successfully routed request.
func (b *Builder) BuildSelect(
	decisionType DecisionType,
	request any,
	outputs Outputs,
	matchedRules []string,
	availability float64,
	constraints []Constraint,
	executionRef string,
) *Event {
	if executionRef == "" {
		executionRef = uuid.NewString()
	}
	// routing_path reads ["rule:<id>", …, "strategy:<name>", …], so
	// matched-rule segments are prepended ahead of whatever strategy/fallback
	// segments the caller already put in outputs.RoutingPath.
	routingPath := make([]string, 0, len(matchedRules)+len(outputs.RoutingPath))
	for _, rule := range matchedRules {
		routingPath = append(routingPath, "rule:"+rule)
	}
	routingPath = append(routingPath, outputs.RoutingPath...)
	outputs.RoutingPath = routingPath

	return &Event{
		AgentID:            b.AgentID,
		AgentVersion:       b.AgentVersion,
		DecisionType:       decisionType,
		InputsHash:         b.InputsHash(request),
		Outputs:            outputs,
		Confidence:         Confidences(matchedRules, availability),
		ConstraintsApplied: constraints,
		ExecutionRef:       executionRef,
		Timestamp:          time.Now().UTC(),
	}
}

// BuildReject constructs a RouteReject event: outputs carry only the
// rejection reason.
func (b *Builder) BuildReject(request any, reason string, executionRef string) *Event {
	if executionRef == "" {
		executionRef = uuid.NewString()
	}
	return &Event{
		AgentID:      b.AgentID,
		AgentVersion: b.AgentVersion,
		DecisionType: DecisionRouteReject,
		InputsHash:   b.InputsHash(request),
		Outputs:      Outputs{RejectionReason: reason},
		Confidence:   Confidence{RuleMatch: 0, Availability: 0, Overall: 0},
		ExecutionRef: executionRef,
		Timestamp:    time.Now().UTC(),
	}
}

// HealthChangeEvent constructs the audit record for a provider health-status
// transition. There is no ingress request: inputs_hash covers the transition
// itself, outputs carry the provider and a synthetic "health:<status>" path,
// and availability is the provider's score at transition time.
func (b *Builder) HealthChangeEvent(provider, status string, score float64) *Event {
	transition := struct {
		Provider string `json:"provider"`
		Status   string `json:"status"`
	}{Provider: provider, Status: status}

	return &Event{
		AgentID:      b.AgentID,
		AgentVersion: b.AgentVersion,
		DecisionType: DecisionHealthChange,
		InputsHash:   b.InputsHash(transition),
		Outputs: Outputs{
			SelectedProvider: provider,
			RoutingPath:      []string{"health:" + status},
		},
		Confidence:   Confidence{RuleMatch: 0, Availability: score, Overall: 0},
		ExecutionRef: uuid.NewString(),
		Timestamp:    time.Now().UTC(),
	}
}

// CacheHitEvent constructs the decision event for a cache-served response:
// selected_provider is left empty rather than attributed to the provider
// that originally produced the entry, routing_path is the synthetic
// ["cache:hit"], and availability is fixed at 1.0 since no provider health
// was consulted.
func (b *Builder) CacheHitEvent(request any, executionRef string) *Event {
	if executionRef == "" {
		executionRef = uuid.NewString()
	}
	return &Event{
		AgentID:      b.AgentID,
		AgentVersion: b.AgentVersion,
		DecisionType: DecisionRouteSelect,
		InputsHash:   b.InputsHash(request),
		Outputs:      Outputs{RoutingPath: []string{"cache:hit"}},
		Confidence:   Confidences(nil, 1.0),
		ExecutionRef: executionRef,
		Timestamp:    time.Now().UTC(),
	}
}
