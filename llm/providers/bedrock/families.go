package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basui-dev/llmgateway/llm"
)

// Family identifies which Bedrock model family a modelID belongs to.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyTitan     Family = "amazon"
	FamilyLlama     Family = "meta"
	FamilyMistral   Family = "mistral"
	FamilyCohere    Family = "cohere"
	FamilyAI21      Family = "ai21"
)

// DetectFamily maps a Bedrock modelID (e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0")
// to its family by prefix.
func DetectFamily(modelID string) (Family, error) {
	prefix, _, _ := strings.Cut(modelID, ".")
	switch Family(prefix) {
	case FamilyAnthropic, FamilyTitan, FamilyLlama, FamilyMistral, FamilyCohere, FamilyAI21:
		return Family(prefix), nil
	default:
		return "", fmt.Errorf("bedrock: unrecognized model family for modelID %q", modelID)
	}
}

// flatPrompt concatenates messages with role prefixes for families that take
// a single prompt string rather than a structured message array (Titan,
// Cohere, AI21). System content is prefixed first.
func flatPrompt(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			b.WriteString("System: ")
		case llm.RoleUser:
			b.WriteString("Human: ")
		case llm.RoleAssistant:
			b.WriteString("Assistant: ")
		case llm.RoleTool:
			b.WriteString("Tool: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant: ")
	return b.String()
}

// llamaPrompt synthesizes Meta Llama's <s>[INST] ... [/INST] format with an
// optional <<SYS>> block.
func llamaPrompt(msgs []llm.Message) string {
	var system strings.Builder
	var turns strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		case llm.RoleUser, llm.RoleTool:
			turns.WriteString(m.Content)
			turns.WriteString("\n")
		case llm.RoleAssistant:
			turns.WriteString(m.Content)
			turns.WriteString("\n")
		}
	}

	var b strings.Builder
	b.WriteString("<s>[INST] ")
	if system.Len() > 0 {
		b.WriteString("<<SYS>>\n")
		b.WriteString(system.String())
		b.WriteString("\n<</SYS>>\n\n")
	}
	b.WriteString(strings.TrimSpace(turns.String()))
	b.WriteString(" [/INST]")
	return b.String()
}

// mistralPrompt synthesizes Mistral's [INST] ... [/INST] format without a
// SYS block; system content, if present, is prepended to the instruction.
func mistralPrompt(msgs []llm.Message) string {
	var system strings.Builder
	var turns strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
		default:
			turns.WriteString(m.Content)
			turns.WriteString("\n")
		}
	}

	var b strings.Builder
	b.WriteString("[INST] ")
	if system.Len() > 0 {
		b.WriteString(system.String())
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(turns.String()))
	b.WriteString(" [/INST]")
	return b.String()
}

// --- Anthropic-on-Bedrock --------------------------------------------------
// Same Messages API shape as the direct Anthropic adapter, minus the "model"
// field (the model is selected via the Bedrock modelID path segment) and
// with a fixed bedrock-scoped anthropic_version.

type anthropicBedrockMessage struct {
	Role    string                 `json:"role"`
	Content []anthropicBedrockPart `json:"content"`
}

type anthropicBedrockPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicBedrockRequest struct {
	AnthropicVersion string                     `json:"anthropic_version"`
	Messages         []anthropicBedrockMessage  `json:"messages"`
	System           string                     `json:"system,omitempty"`
	MaxTokens        int                        `json:"max_tokens"`
	Temperature      float32                    `json:"temperature,omitempty"`
	TopP             float32                    `json:"top_p,omitempty"`
	StopSequences    []string                   `json:"stop_sequences,omitempty"`
}

type anthropicBedrockResponse struct {
	Content    []anthropicBedrockPart `json:"content"`
	StopReason string                 `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func buildAnthropicBody(req *llm.ChatRequest) ([]byte, error) {
	var system string
	var msgs []anthropicBedrockMessage
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = m.Content
			continue
		}
		msgs = append(msgs, anthropicBedrockMessage{
			Role:    string(m.Role),
			Content: []anthropicBedrockPart{{Type: "text", Text: m.Content}},
		})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return json.Marshal(anthropicBedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		Messages:         msgs,
		System:           system,
		MaxTokens:        maxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		StopSequences:    req.Stop,
	})
}

func parseAnthropicResponse(body []byte) (string, string, llm.ChatUsage, error) {
	var r anthropicBedrockResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	var text strings.Builder
	for _, c := range r.Content {
		text.WriteString(c.Text)
	}
	finish := map[string]string{"end_turn": "stop", "stop_sequence": "stop", "max_tokens": "length", "tool_use": "tool_calls"}[r.StopReason]
	if finish == "" {
		finish = "stop"
	}
	return text.String(), finish, llm.ChatUsage{
		PromptTokens:     r.Usage.InputTokens,
		CompletionTokens: r.Usage.OutputTokens,
		TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
	}, nil
}

// --- Amazon Titan -----------------------------------------------------------

type titanRequest struct {
	InputText            string             `json:"inputText"`
	TextGenerationConfig titanGenerationCfg `json:"textGenerationConfig"`
}

type titanGenerationCfg struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanResponse struct {
	Results []struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
		TokenCount       int    `json:"tokenCount"`
	} `json:"results"`
	InputTextTokenCount int `json:"inputTextTokenCount"`
}

func buildTitanBody(req *llm.ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return json.Marshal(titanRequest{
		InputText: flatPrompt(req.Messages),
		TextGenerationConfig: titanGenerationCfg{
			MaxTokenCount: maxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		},
	})
}

func parseTitanResponse(body []byte) (string, string, llm.ChatUsage, error) {
	var r titanResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	if len(r.Results) == 0 {
		return "", "stop", llm.ChatUsage{}, nil
	}
	finish := map[string]string{"FINISH": "stop", "LENGTH": "length", "CONTENT_FILTERED": "content_filter"}[r.Results[0].CompletionReason]
	if finish == "" {
		finish = "stop"
	}
	usage := llm.ChatUsage{
		PromptTokens:     r.InputTextTokenCount,
		CompletionTokens: r.Results[0].TokenCount,
		TotalTokens:      r.InputTextTokenCount + r.Results[0].TokenCount,
	}
	return r.Results[0].OutputText, finish, usage, nil
}

// --- Meta Llama --------------------------------------------------------------

type llamaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	TopP        float32 `json:"top_p,omitempty"`
}

type llamaResponse struct {
	Generation           string `json:"generation"`
	PromptTokenCount     int    `json:"prompt_token_count"`
	GenerationTokenCount int    `json:"generation_token_count"`
	StopReason           string `json:"stop_reason"`
}

func buildLlamaBody(req *llm.ChatRequest) ([]byte, error) {
	maxGenLen := req.MaxTokens
	if maxGenLen <= 0 {
		maxGenLen = 512
	}
	return json.Marshal(llamaRequest{
		Prompt:      llamaPrompt(req.Messages),
		MaxGenLen:   maxGenLen,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
}

func parseLlamaResponse(body []byte) (string, string, llm.ChatUsage, error) {
	var r llamaResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	finish := map[string]string{"stop": "stop", "length": "length"}[r.StopReason]
	if finish == "" {
		finish = "stop"
	}
	return r.Generation, finish, llm.ChatUsage{
		PromptTokens:     r.PromptTokenCount,
		CompletionTokens: r.GenerationTokenCount,
		TotalTokens:      r.PromptTokenCount + r.GenerationTokenCount,
	}, nil
}

// --- Mistral (on Bedrock) -----------------------------------------------------

type mistralBedrockRequest struct {
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type mistralBedrockResponse struct {
	Outputs []struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"outputs"`
}

func buildMistralBody(req *llm.ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return json.Marshal(mistralBedrockRequest{
		Prompt:      mistralPrompt(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	})
}

func parseMistralResponse(body []byte) (string, string, llm.ChatUsage, error) {
	var r mistralBedrockResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	if len(r.Outputs) == 0 {
		return "", "stop", llm.ChatUsage{}, nil
	}
	finish := map[string]string{"stop": "stop", "length": "length"}[r.Outputs[0].StopReason]
	if finish == "" {
		finish = "stop"
	}
	return r.Outputs[0].Text, finish, llm.ChatUsage{}, nil
}

// --- Cohere --------------------------------------------------------------

type cohereRequest struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	P             float32  `json:"p,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type cohereResponse struct {
	Generations []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"generations"`
}

func buildCohereBody(req *llm.ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return json.Marshal(cohereRequest{
		Prompt:        flatPrompt(req.Messages),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		P:             req.TopP,
		StopSequences: req.Stop,
	})
}

func parseCohereResponse(body []byte) (string, string, llm.ChatUsage, error) {
	var r cohereResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	if len(r.Generations) == 0 {
		return "", "stop", llm.ChatUsage{}, nil
	}
	finish := map[string]string{"COMPLETE": "stop", "MAX_TOKENS": "length"}[r.Generations[0].FinishReason]
	if finish == "" {
		finish = "stop"
	}
	return r.Generations[0].Text, finish, llm.ChatUsage{}, nil
}

// --- AI21 ------------------------------------------------------------------

type ai21Request struct {
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type ai21Response struct {
	Completions []struct {
		Data struct {
			Text string `json:"text"`
		} `json:"data"`
		FinishReason struct {
			Reason string `json:"reason"`
		} `json:"finishReason"`
	} `json:"completions"`
}

func buildAI21Body(req *llm.ChatRequest) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return json.Marshal(ai21Request{
		Prompt:        flatPrompt(req.Messages),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	})
}

func parseAI21Response(body []byte) (string, string, llm.ChatUsage, error) {
	var r ai21Response
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", llm.ChatUsage{}, err
	}
	if len(r.Completions) == 0 {
		return "", "stop", llm.ChatUsage{}, nil
	}
	finish := map[string]string{"endoftext": "stop", "length": "length", "stop": "stop"}[r.Completions[0].FinishReason.Reason]
	if finish == "" {
		finish = "stop"
	}
	return r.Completions[0].Data.Text, finish, llm.ChatUsage{}, nil
}

// buildRequestBody dispatches request construction to the detected family.
func buildRequestBody(family Family, req *llm.ChatRequest) ([]byte, error) {
	switch family {
	case FamilyAnthropic:
		return buildAnthropicBody(req)
	case FamilyTitan:
		return buildTitanBody(req)
	case FamilyLlama:
		return buildLlamaBody(req)
	case FamilyMistral:
		return buildMistralBody(req)
	case FamilyCohere:
		return buildCohereBody(req)
	case FamilyAI21:
		return buildAI21Body(req)
	default:
		return nil, fmt.Errorf("bedrock: no request builder for family %q", family)
	}
}

// parseResponseBody dispatches response parsing to the detected family,
// returning generated text, the unified finish reason, and token usage.
func parseResponseBody(family Family, body []byte) (string, string, llm.ChatUsage, error) {
	switch family {
	case FamilyAnthropic:
		return parseAnthropicResponse(body)
	case FamilyTitan:
		return parseTitanResponse(body)
	case FamilyLlama:
		return parseLlamaResponse(body)
	case FamilyMistral:
		return parseMistralResponse(body)
	case FamilyCohere:
		return parseCohereResponse(body)
	case FamilyAI21:
		return parseAI21Response(body)
	default:
		return "", "", llm.ChatUsage{}, fmt.Errorf("bedrock: no response parser for family %q", family)
	}
}
