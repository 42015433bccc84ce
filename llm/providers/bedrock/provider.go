package bedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/basui-dev/llmgateway/llm"
	"github.com/basui-dev/llmgateway/llm/providers"
	"go.uber.org/zap"
)

// Config configures the Bedrock adapter. Unlike the other adapters, auth is
// an AWS credential pair (optionally a session token for assumed roles)
// rather than a bearer token or API key.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Model           string // default Bedrock modelID, e.g. "anthropic.claude-3-5-sonnet-20241022-v2:0"
	Timeout         time.Duration
	// Endpoint overrides the default "bedrock-runtime.{region}.amazonaws.com"
	// host, used by tests to point at an httptest server.
	Endpoint string
}

// Provider implements llm.Provider against AWS Bedrock Runtime's
// InvokeModel API; Stream reuses it rather than calling
// InvokeModelWithResponseStream.
type Provider struct {
	cfg    Config
	client *http.Client
	signer *v4.Signer
	logger *zap.Logger
}

// New creates a Bedrock provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		signer: v4.NewSigner(),
		logger: logger,
	}
}

func (p *Provider) Name() string { return "bedrock" }

func (p *Provider) SupportsNativeFunctionCalling() bool { return false }

// ListModels is not implemented: Bedrock's model catalog is queried via the
// separate "bedrock" (non-runtime) control-plane API, out of scope here.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	return nil, nil
}

func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	if p.cfg.AccessKeyID == "" || p.cfg.SecretAccessKey == "" {
		return &llm.HealthStatus{Healthy: false, Latency: time.Since(start)}, fmt.Errorf("bedrock: missing AWS credentials")
	}
	return &llm.HealthStatus{Healthy: true, Latency: time.Since(start)}, nil
}

func (p *Provider) endpointHost() string {
	if p.cfg.Endpoint != "" {
		return p.cfg.Endpoint
	}
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", p.cfg.Region)
}

func (p *Provider) modelID(req *llm.ChatRequest) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	return p.cfg.Model
}

// signedRequest builds and SigV4-signs a POST request against the given
// Bedrock Runtime path: canonical
// request over (method, path, sorted query, sorted headers, payload hash),
// string-to-sign with scope date/region/service, and a derived signing key.
// aws-sdk-go-v2's v4.Signer implements exactly this chain.
func (p *Provider) signedRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	url := p.endpointHost() + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])

	creds := awssdk.Credentials{
		AccessKeyID:     p.cfg.AccessKeyID,
		SecretAccessKey: p.cfg.SecretAccessKey,
		SessionToken:    p.cfg.SessionToken,
	}
	if err := p.signer.SignHTTP(ctx, creds, httpReq, payloadHash, "bedrock", p.cfg.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("bedrock: sigv4 signing failed: %w", err)
	}
	return httpReq, nil
}

func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := p.modelID(req)
	family, err := DetectFamily(model)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrModelNotFound, Message: err.Error(), HTTPStatus: http.StatusNotFound, Provider: p.Name()}
	}

	body, err := buildRequestBody(family, req)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInvalidRequest, Message: err.Error(), HTTPStatus: http.StatusBadRequest, Provider: p.Name()}
	}

	path := fmt.Sprintf("/model/%s/invoke", model)
	httpReq, err := p.signedRequest(ctx, path, body)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrInternalError, Message: err.Error(), Provider: p.Name()}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	respBody, err := readAll(resp)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}

	text, finish, usage, err := parseResponseBody(family, respBody)
	if err != nil {
		return nil, &llm.Error{Code: llm.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}

	return &llm.ChatResponse{
		Provider: p.Name(),
		Model:    model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: finish,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		}},
		Usage: usage,
	}, nil
}

// Stream degrades to two synthetic chunks — the whole generation as one
// content delta, then a terminal chunk with finish_reason and usage —
// instead of decoding Bedrock's binary event-stream framing.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.Completion(ctx, req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk, 2)
	go func() {
		defer close(ch)
		choice := resp.Choices[0]
		ch <- llm.StreamChunk{
			Provider: p.Name(),
			Model:    resp.Model,
			Delta:    llm.Message{Role: llm.RoleAssistant, Content: choice.Message.Content},
		}
		ch <- llm.StreamChunk{
			Provider:     p.Name(),
			Model:        resp.Model,
			FinishReason: choice.FinishReason,
			Usage:        &resp.Usage,
		}
	}()
	return ch, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
