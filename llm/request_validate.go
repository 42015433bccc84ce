package llm

import (
	"fmt"

	"github.com/basui-dev/llmgateway/types"
)

const (
	maxModelLength = 128
	maxMaxTokens   = 4_000_000
	maxCompletions = 128
)

// Validate enforces the unified request's field bounds at ingress. A zero
// value for an optional numeric field means "unset" and is not range-checked
// (the provider applies its own default).
func (r *ChatRequest) Validate() *types.Error {
	if r.Model == "" {
		return types.NewError(types.ErrInvalidRequest, "model is required")
	}
	if len(r.Model) > maxModelLength {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("model must be at most %d characters", maxModelLength))
	}
	if len(r.Messages) == 0 {
		return types.NewError(types.ErrInvalidRequest, "messages cannot be empty")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return types.NewError(types.ErrInvalidRequest, "temperature must be between 0 and 2")
	}
	if r.TopP < 0 || r.TopP > 1 {
		return types.NewError(types.ErrInvalidRequest, "top_p must be between 0 and 1")
	}
	if r.TopK < 0 {
		return types.NewError(types.ErrInvalidRequest, "top_k must be non-negative")
	}
	if r.FrequencyPenalty < -2 || r.FrequencyPenalty > 2 {
		return types.NewError(types.ErrInvalidRequest, "frequency_penalty must be between -2 and 2")
	}
	if r.PresencePenalty < -2 || r.PresencePenalty > 2 {
		return types.NewError(types.ErrInvalidRequest, "presence_penalty must be between -2 and 2")
	}
	if r.MaxTokens != 0 && (r.MaxTokens < 1 || r.MaxTokens > maxMaxTokens) {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("max_tokens must be between 1 and %d", maxMaxTokens))
	}
	if r.N != 0 && (r.N < 1 || r.N > maxCompletions) {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("n must be between 1 and %d", maxCompletions))
	}
	if err := r.validateToolChoice(); err != nil {
		return err
	}
	return nil
}

// validateToolChoice accepts the three mode keywords or the name of a
// declared tool.
func (r *ChatRequest) validateToolChoice() *types.Error {
	switch r.ToolChoice {
	case "", "none", "auto", "required":
		return nil
	}
	for _, tool := range r.Tools {
		if tool.Name == r.ToolChoice {
			return nil
		}
	}
	return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("tool_choice %q does not name a declared tool", r.ToolChoice))
}
