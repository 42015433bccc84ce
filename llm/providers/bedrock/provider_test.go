package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basui-dev/llmgateway/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDetectFamily(t *testing.T) {
	cases := map[string]Family{
		"anthropic.claude-3-5-sonnet-20241022-v2:0": FamilyAnthropic,
		"amazon.titan-text-premier-v1:0":             FamilyTitan,
		"meta.llama3-1-70b-instruct-v1:0":             FamilyLlama,
		"mistral.mistral-large-2407-v1:0":             FamilyMistral,
		"cohere.command-r-plus-v1:0":                  FamilyCohere,
		"ai21.jamba-1-5-large-v1:0":                    FamilyAI21,
	}
	for modelID, want := range cases {
		got, err := DetectFamily(modelID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDetectFamily_Unknown(t *testing.T) {
	_, err := DetectFamily("unknownvendor.some-model")
	assert.Error(t, err)
}

func TestLlamaPrompt_WrapsSysBlock(t *testing.T) {
	prompt := llamaPrompt([]llm.Message{
		{Role: llm.RoleSystem, Content: "be concise"},
		{Role: llm.RoleUser, Content: "hi"},
	})
	assert.Contains(t, prompt, "<s>[INST]")
	assert.Contains(t, prompt, "<<SYS>>\nbe concise\n<</SYS>>")
	assert.Contains(t, prompt, "hi")
	assert.Contains(t, prompt, "[/INST]")
}

func TestMistralPrompt_NoSysTags(t *testing.T) {
	prompt := mistralPrompt([]llm.Message{
		{Role: llm.RoleSystem, Content: "be concise"},
		{Role: llm.RoleUser, Content: "hi"},
	})
	assert.Contains(t, prompt, "[INST]")
	assert.NotContains(t, prompt, "<<SYS>>")
	assert.Contains(t, prompt, "be concise")
	assert.Contains(t, prompt, "hi")
}

func TestParseTitanResponse_MapsCompletionReason(t *testing.T) {
	body := []byte(`{"results":[{"outputText":"hi there","completionReason":"LENGTH","tokenCount":3}],"inputTextTokenCount":5}`)
	text, finish, usage, err := parseTitanResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
	assert.Equal(t, "length", finish)
	assert.Equal(t, 8, usage.TotalTokens)
}

func TestParseAnthropicResponse_ToolUseMapsToToolCalls(t *testing.T) {
	body := []byte(`{"content":[{"type":"text","text":"ok"}],"stop_reason":"tool_use","usage":{"input_tokens":4,"output_tokens":2}}`)
	text, finish, usage, err := parseAnthropicResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, "tool_calls", finish)
	assert.Equal(t, 6, usage.TotalTokens)
}

func TestProvider_Name(t *testing.T) {
	p := New(Config{AccessKeyID: "AKIA", SecretAccessKey: "secret"}, zap.NewNop())
	assert.Equal(t, "bedrock", p.Name())
	assert.False(t, p.SupportsNativeFunctionCalling())
}

func TestProvider_HealthCheck_RequiresCredentials(t *testing.T) {
	p := New(Config{}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.False(t, status.Healthy)
}

// TestProvider_Completion_SignsAndDispatchesByFamily exercises the full
// signed-request path against a local httptest server standing in for
// bedrock-runtime, verifying the Authorization header carries AWS4-HMAC-SHA256
// and the family-specific body reaches the mock endpoint.
func TestProvider_Completion_SignsAndDispatchesByFamily(t *testing.T) {
	var gotAuth string
	var gotBody titanRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"outputText":"hello","completionReason":"FINISH","tokenCount":1}],"inputTextTokenCount":1}`))
	}))
	defer server.Close()

	p := New(Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretexample",
		Endpoint:        server.URL,
	}, zap.NewNop())

	resp, err := p.Completion(context.Background(), &llm.ChatRequest{
		Model:    "amazon.titan-text-premier-v1:0",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Contains(t, gotAuth, "AWS4-HMAC-SHA256")
	assert.Contains(t, gotBody.InputText, "hi")
}

func TestProvider_Stream_DegradesToTwoChunksWithFinishReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"outputText":"done","completionReason":"FINISH","tokenCount":1}],"inputTextTokenCount":1}`))
	}))
	defer server.Close()

	p := New(Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secretexample",
		Endpoint:        server.URL,
	}, zap.NewNop())

	stream, err := p.Stream(context.Background(), &llm.ChatRequest{
		Model:    "amazon.titan-text-premier-v1:0",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var chunks []llm.StreamChunk
	for c := range stream {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "done", chunks[0].Delta.Content)
	assert.Equal(t, "stop", chunks[1].FinishReason)
}
