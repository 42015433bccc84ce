// =============================================================================
// 📦 AgentFlow 网关核心配置
// =============================================================================
// GatewayConfig 承载 providers/routing/cache/audit_sink 的静态配置面，
// 由 cmd/agentflow 在启动时用来装配 llm/gateway.Agent 及其依赖
// （llm/factory、llm/router、llm/cache、llm/audit）。
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// RuleConfig is the YAML/env shape of one router.Rule entry.
type RuleConfig struct {
	ID             string   `yaml:"id"`
	Priority       int      `yaml:"priority"`
	ModelPrefix    string   `yaml:"model_prefix"`
	TenantID       string   `yaml:"tenant_id"`
	Tags           []string `yaml:"tags"`
	RequiresStream bool     `yaml:"requires_stream"`
	Providers      []string `yaml:"providers"`
	ModelRewrite   string   `yaml:"model_rewrite"`
	Strategy       string   `yaml:"strategy"`
}

// PrefixRuleConfig maps a model-ID prefix straight to a provider — the
// fallback router.PrefixRouter consults when no RuleConfig matches.
type PrefixRuleConfig struct {
	Prefix   string `yaml:"prefix"`
	Provider string `yaml:"provider"`
}

// ProviderCapabilitiesConfig is the YAML shape of router.Capabilities.
type ProviderCapabilitiesConfig struct {
	Streaming       bool              `yaml:"streaming"`
	FunctionCalling bool              `yaml:"function_calling"`
	JSONMode        bool              `yaml:"json_mode"`
	Vision          bool              `yaml:"vision"`
	ModelAliases    map[string]string `yaml:"model_aliases"`
}

// ProviderEntryConfig registers one routing candidate: the router-facing
// entry (weight/priority/capabilities) plus the llm/factory config used to
// construct its llm.Provider.
type ProviderEntryConfig struct {
	ID           string                     `yaml:"id"`
	FactoryName  string                     `yaml:"factory_name"`
	Weight       int                        `yaml:"weight"`
	Priority     int                        `yaml:"priority"`
	Capabilities ProviderCapabilitiesConfig `yaml:"capabilities"`
	APIKey       string                     `yaml:"api_key"`
	APIKeys      []string                   `yaml:"api_keys"`
	BaseURL      string                     `yaml:"base_url"`
	Model        string                     `yaml:"model"`
	Timeout      time.Duration              `yaml:"timeout"`
	Extra        map[string]any             `yaml:"extra"`
	Resilient    bool                       `yaml:"resilient"`
}

// GatewayCacheConfig wires llm/cache's two-tier cache into the gateway.
type GatewayCacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	KeyPrefix    string        `yaml:"key_prefix"`
	LocalMaxSize int           `yaml:"local_max_size"`
	LocalTTL     time.Duration `yaml:"local_ttl"`
	RedisTTL     time.Duration `yaml:"redis_ttl"`
}

// AuditSinkConfig wires llm/audit.SinkClient's HTTP transport and retry
// policy.
type AuditSinkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Required     bool          `yaml:"required"`
	BaseURL      string        `yaml:"base_url"`
	BearerAuth   string        `yaml:"bearer_auth"`
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// GatewayConfig is the gateway's core config surface: providers, the routing
// table, the response cache, and the audit sink — the four pieces
// llm/gateway.Agent is assembled from.
type GatewayConfig struct {
	ID                  string                `yaml:"id"`
	DefaultStrategy     string                `yaml:"default_strategy"`
	Providers           []ProviderEntryConfig `yaml:"providers"`
	Rules               []RuleConfig          `yaml:"rules"`
	PrefixRules         []PrefixRuleConfig    `yaml:"prefix_rules"`
	Cache               GatewayCacheConfig    `yaml:"cache"`
	AuditSink           AuditSinkConfig       `yaml:"audit_sink"`
	UnaryTimeout        time.Duration         `yaml:"unary_timeout"`
	StreamTimeout       time.Duration         `yaml:"stream_timeout"`
	HealthCheckInterval time.Duration         `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration         `yaml:"health_check_timeout"`
	// 单请求预算（0 表示不限）；超出不拒绝请求，但在决策事件的
	// constraints_applied 中标记 exceeded。
	CostBudgetUSD float64 `yaml:"cost_budget_usd"`
	TokenBudget   int     `yaml:"token_budget"`
}

// Validate checks the minimal invariants the gateway needs to start: at
// least one provider, and no duplicate provider ids.
func (g *GatewayConfig) Validate() error {
	if len(g.Providers) == 0 {
		return fmt.Errorf("gateway: at least one provider must be configured")
	}
	seen := make(map[string]bool, len(g.Providers))
	for _, p := range g.Providers {
		if p.ID == "" {
			return fmt.Errorf("gateway: provider entry missing id")
		}
		if seen[p.ID] {
			return fmt.Errorf("gateway: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// DefaultGatewayConfig returns a single-provider (OpenAI) gateway config with
// caching enabled and the audit sink disabled — the minimal config that lets
// `agentflow serve` start without an external audit store.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ID:              "default-gateway",
		DefaultStrategy: "weighted_round_robin",
		Providers: []ProviderEntryConfig{
			{
				ID:          "openai",
				FactoryName: "openai",
				Weight:      1,
				Capabilities: ProviderCapabilitiesConfig{
					Streaming:       true,
					FunctionCalling: true,
					JSONMode:        true,
				},
				Resilient: true,
			},
		},
		Cache: GatewayCacheConfig{
			Enabled:      true,
			KeyPrefix:    "agentflow:chat",
			LocalMaxSize: 1000,
			LocalTTL:     60 * time.Second,
			RedisTTL:     time.Hour,
		},
		AuditSink: AuditSinkConfig{
			Enabled:      false,
			MaxRetries:   3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     30 * time.Second,
		},
		UnaryTimeout:        2 * time.Minute,
		StreamTimeout:       5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  10 * time.Second,
	}
}
