// Package azureopenai adapts Azure OpenAI's deployment-based routing and
// api-key header onto the shared OpenAI-compatible request/response codec,
// following llm/providers/openai's pattern of embedding
// llm/providers/openaicompat.Provider and overriding headers/endpoint.
package azureopenai

import (
	"fmt"
	"net/http"

	"github.com/basui-dev/llmgateway/llm/providers"
	"github.com/basui-dev/llmgateway/llm/providers/openaicompat"

	"go.uber.org/zap"
)

const defaultAPIVersion = "2024-06-01"

// AzureOpenAIProvider implements the Provider interface against an Azure
// OpenAI resource. Unlike public OpenAI, the model is selected by deployment
// name baked into the URL, not by a "model" field in the request body, and
// authentication uses a static "api-key" header rather than "Authorization:
// Bearer". Azure AD (AAD/Entra ID) token acquisition is explicitly out of
// scope — only the API-key credential path is implemented.
type AzureOpenAIProvider struct {
	*openaicompat.Provider
	cfg providers.AzureOpenAIConfig
}

// NewAzureOpenAIProvider creates a new Azure OpenAI provider instance.
// cfg.BaseURL is the resource endpoint, e.g.
// "https://my-resource.openai.azure.com".
func NewAzureOpenAIProvider(cfg providers.AzureOpenAIConfig, logger *zap.Logger) *AzureOpenAIProvider {
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	endpointPath := fmt.Sprintf("/openai/deployments/%s/chat/completions?api-version=%s", cfg.Deployment, apiVersion)
	modelsPath := fmt.Sprintf("/openai/deployments?api-version=%s", apiVersion)

	p := &AzureOpenAIProvider{
		Provider: openaicompat.New(openaicompat.Config{
			ProviderName:   "azure-openai",
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			DefaultModel:   cfg.Model,
			FallbackModel:  cfg.Deployment,
			Timeout:        cfg.Timeout,
			EndpointPath:   endpointPath,
			ModelsEndpoint: modelsPath,
		}, logger),
		cfg: cfg,
	}

	p.SetBuildHeaders(func(req *http.Request, apiKey string) {
		req.Header.Set("api-key", apiKey)
		req.Header.Set("Content-Type", "application/json")
	})

	return p
}

func (p *AzureOpenAIProvider) Name() string {
	return "azure-openai:" + p.cfg.Deployment
}
