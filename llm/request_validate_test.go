package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/basui-dev/llmgateway/types"
	"github.com/stretchr/testify/assert"
)

func validRequest() *ChatRequest {
	return &ChatRequest{
		Model: "gpt-4",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
		},
	}
}

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *ChatRequest)
		wantErr bool
	}{
		{"valid minimal", func(r *ChatRequest) {}, false},
		{"missing model", func(r *ChatRequest) { r.Model = "" }, true},
		{"model too long", func(r *ChatRequest) { r.Model = strings.Repeat("m", 129) }, true},
		{"model at limit", func(r *ChatRequest) { r.Model = strings.Repeat("m", 128) }, false},
		{"empty messages", func(r *ChatRequest) { r.Messages = nil }, true},
		{"temperature too low", func(r *ChatRequest) { r.Temperature = -0.1 }, true},
		{"temperature too high", func(r *ChatRequest) { r.Temperature = 2.1 }, true},
		{"top_p too high", func(r *ChatRequest) { r.TopP = 1.1 }, true},
		{"top_k negative", func(r *ChatRequest) { r.TopK = -1 }, true},
		{"top_k positive", func(r *ChatRequest) { r.TopK = 40 }, false},
		{"frequency_penalty too low", func(r *ChatRequest) { r.FrequencyPenalty = -2.5 }, true},
		{"frequency_penalty in range", func(r *ChatRequest) { r.FrequencyPenalty = 1.5 }, false},
		{"presence_penalty too high", func(r *ChatRequest) { r.PresencePenalty = 2.5 }, true},
		{"max_tokens zero means unset", func(r *ChatRequest) { r.MaxTokens = 0 }, false},
		{"max_tokens too large", func(r *ChatRequest) { r.MaxTokens = 4_000_001 }, true},
		{"max_tokens at limit", func(r *ChatRequest) { r.MaxTokens = 4_000_000 }, false},
		{"n zero means unset", func(r *ChatRequest) { r.N = 0 }, false},
		{"n too large", func(r *ChatRequest) { r.N = 129 }, true},
		{"n at limit", func(r *ChatRequest) { r.N = 128 }, false},
		{"tool_choice auto", func(r *ChatRequest) { r.ToolChoice = "auto" }, false},
		{"tool_choice none", func(r *ChatRequest) { r.ToolChoice = "none" }, false},
		{"tool_choice required", func(r *ChatRequest) { r.ToolChoice = "required" }, false},
		{"tool_choice names declared tool", func(r *ChatRequest) {
			r.Tools = []ToolSchema{{Name: "get_weather", Parameters: json.RawMessage(`{}`)}}
			r.ToolChoice = "get_weather"
		}, false},
		{"tool_choice names unknown tool", func(r *ChatRequest) { r.ToolChoice = "missing_tool" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr {
				assert.NotNil(t, err)
				assert.Equal(t, types.ErrInvalidRequest, err.Code)
			} else {
				assert.Nil(t, err)
			}
		})
	}
}
