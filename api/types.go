// Package api provides API types and documentation for the gateway.
package api

import (
	"encoding/json"
	"time"

	"github.com/basui-dev/llmgateway/types"
)

// =============================================================================
// Response Envelope Types
// =============================================================================

// Response is the canonical API envelope every JSON endpoint writes.
// @Description API response envelope
type Response struct {
	// Whether the request succeeded
	Success bool `json:"success"`
	// Response payload (on success)
	Data any `json:"data,omitempty"`
	// Error details (on failure)
	Error *ErrorInfo `json:"error,omitempty"`
	// Response timestamp
	Timestamp time.Time `json:"timestamp"`
	// Request ID for tracing
	RequestID string `json:"request_id,omitempty"`
}

// ErrorInfo is the canonical error structure carried in Response.Error.
// @Description Error information structure
type ErrorInfo struct {
	// Error code
	Code string `json:"code" example:"INVALID_REQUEST"`
	// Human-readable error message
	Message string `json:"message" example:"Invalid request parameters"`
	// Whether the request can be retried
	Retryable bool `json:"retryable,omitempty" example:"false"`
	// HTTP status code
	HTTPStatus int `json:"http_status,omitempty" example:"400"`
}

// =============================================================================
// Chat Completion Types
// =============================================================================

// ChatRequest represents a chat completion request.
// @Description Chat completion request structure
type ChatRequest struct {
	// Trace ID for request tracking
	TraceID string `json:"trace_id,omitempty" example:"trace-123"`
	// Tenant ID for multi-tenancy
	TenantID string `json:"tenant_id,omitempty" example:"tenant-1"`
	// User ID
	UserID string `json:"user_id,omitempty" example:"user-1"`
	// Model name (e.g., gpt-4, claude-3-opus)
	Model string `json:"model" example:"gpt-4" binding:"required"`
	// Conversation messages
	Messages []Message `json:"messages" binding:"required"`
	// Maximum tokens to generate
	MaxTokens int `json:"max_tokens,omitempty" example:"4096"`
	// Sampling temperature (0-2)
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling parameter (0-1)
	TopP float32 `json:"top_p,omitempty" example:"1.0"`
	// Top-K sampling cutoff (0 = provider default)
	TopK int `json:"top_k,omitempty" example:"40"`
	// Frequency penalty (-2 to 2)
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty"`
	// Presence penalty (-2 to 2)
	PresencePenalty float32 `json:"presence_penalty,omitempty"`
	// Number of completions to generate (1-128)
	N int `json:"n,omitempty" example:"1"`
	// Deterministic sampling seed
	Seed *int64 `json:"seed,omitempty"`
	// End-user identifier forwarded to the provider
	User string `json:"user,omitempty"`
	// Stop sequences
	Stop []string `json:"stop,omitempty"`
	// Available tools for function calling
	Tools []ToolSchema `json:"tools,omitempty"`
	// Tool choice mode (auto, none, or specific tool name)
	ToolChoice string `json:"tool_choice,omitempty" example:"auto"`
	// Request timeout duration
	Timeout string `json:"timeout,omitempty" example:"30s"`
	// Custom metadata
	Metadata map[string]string `json:"metadata,omitempty"`
	// Tags for routing
	Tags []string `json:"tags,omitempty"`
	// Whether to stream the response
	Stream bool `json:"stream,omitempty" example:"false"`
	// Response format ("" or "json_object")
	ResponseFormat string `json:"response_format,omitempty" example:"json_object"`
	// Project ID for multi-tenancy
	ProjectID string `json:"project_id,omitempty"`
	// Deployment environment (e.g. prod, staging)
	Environment string `json:"environment,omitempty"`
	// Request priority for routing
	Priority int `json:"priority,omitempty"`
	// Provider to prefer when it is in the candidate set
	PreferredProvider string `json:"preferred_provider,omitempty" example:"openai"`
	// Ordered fallback providers consulted after the primary fails
	FallbackProviders []string `json:"fallback_providers,omitempty"`
	// Whether streamed responses may be cached
	CacheStreaming bool `json:"cache_streaming,omitempty"`
}

// ChatResponse represents a chat completion response.
// @Description Chat completion response structure
type ChatResponse struct {
	// Response ID
	ID string `json:"id,omitempty" example:"chatcmpl-123"`
	// Provider that handled the request
	Provider string `json:"provider,omitempty" example:"openai"`
	// Model used
	Model string `json:"model" example:"gpt-4"`
	// Response choices
	Choices []ChatChoice `json:"choices"`
	// Token usage statistics
	Usage ChatUsage `json:"usage"`
	// Response creation timestamp
	CreatedAt time.Time `json:"created_at"`
}

// ChatChoice represents a single choice in the response.
// @Description Chat choice structure
type ChatChoice struct {
	// Choice index
	Index int `json:"index" example:"0"`
	// Reason for completion (stop, length, tool_calls, content_filter)
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Response message
	Message Message `json:"message"`
}

// ChatUsage represents token usage in a response.
// @Description Token usage statistics
type ChatUsage struct {
	// Tokens in the prompt
	PromptTokens int `json:"prompt_tokens" example:"100"`
	// Tokens in the completion
	CompletionTokens int `json:"completion_tokens" example:"50"`
	// Total tokens used
	TotalTokens int `json:"total_tokens" example:"150"`
}

// StreamChunk represents a streaming response chunk.
// @Description Streaming response chunk structure
type StreamChunk struct {
	// Chunk ID
	ID string `json:"id,omitempty" example:"chatcmpl-123"`
	// Provider name
	Provider string `json:"provider,omitempty" example:"openai"`
	// Model name
	Model string `json:"model,omitempty" example:"gpt-4"`
	// Choice index
	Index int `json:"index,omitempty" example:"0"`
	// Delta message content
	Delta Message `json:"delta"`
	// Finish reason (only in final chunk)
	FinishReason string `json:"finish_reason,omitempty" example:"stop"`
	// Usage statistics (only in final chunk)
	Usage *ChatUsage `json:"usage,omitempty"`
	// Error information
	Error *ErrorInfo `json:"error,omitempty"`
}

// =============================================================================
// Message Types
// =============================================================================

// Message represents a conversation message.
// @Description Conversation message structure
type Message struct {
	// Message role (system, user, assistant, tool)
	Role string `json:"role" example:"user" binding:"required"`
	// Message content
	Content string `json:"content,omitempty" example:"Hello, how are you?"`
	// Name (for tool messages)
	Name string `json:"name,omitempty"`
	// Tool calls (for assistant messages)
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// Tool call ID (for tool messages)
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Image content for multimodal messages
	Images []ImageContent `json:"images,omitempty"`
}

// ToolCall is a type alias for types.ToolCall — the wire shape is identical,
// so handler conversions pass tool calls through without copying.
type ToolCall = types.ToolCall

// ImageContent is a type alias for types.ImageContent.
type ImageContent = types.ImageContent

// =============================================================================
// Tool Types
// =============================================================================

// ToolSchema defines a tool's interface for LLM function calling.
// @Description Tool schema structure
type ToolSchema struct {
	// Tool name
	Name string `json:"name" example:"get_weather"`
	// Tool description
	Description string `json:"description,omitempty" example:"Get the current weather for a location"`
	// JSON Schema for tool parameters
	Parameters json.RawMessage `json:"parameters"`
	// Tool version
	Version string `json:"version,omitempty" example:"1.0.0"`
}

// =============================================================================
// Model Listing Types
// =============================================================================

// ModelInfo describes one model exposed through GET /v1/models.
// @Description Model information structure
type ModelInfo struct {
	// Model identifier
	ID string `json:"id" example:"gpt-4"`
	// Provider that declares the model
	Provider string `json:"provider" example:"openai"`
}

// ModelListResponse represents a list of models.
// @Description Model list response
type ModelListResponse struct {
	// List of models
	Models []ModelInfo `json:"models"`
}
