package openaicompat

import (
	"strconv"
	"strings"

	"github.com/BaSui01/capflow/internal/tlsutil"
	"github.com/BaSui01/capflow/types"
	"go.uber.org/zap"
)

// Connection content keys read by FromConnection.
const (
	KeyAPIKey             = "api_key"
	KeyBaseURL            = "base_url"
	KeyModel              = "model"
	KeyEmbeddingModel     = "embedding_model"
	KeyDeployment         = "deployment"
	KeyAPIVersion         = "api_version"
	KeyRootCAPEM          = "root_ca_pem"
	KeyInsecureSkipVerify = "insecure_skip_verify"
)

var defaultBaseURLs = map[string]string{
	types.ConnOpenAI:   "https://api.openai.com",
	types.ConnDeepSeek: "https://api.deepseek.com",
	types.ConnOllama:   "http://localhost:11434",
}

var defaultModels = map[string]string{
	types.ConnOpenAI:   "gpt-4o-mini",
	types.ConnDeepSeek: "deepseek-chat",
	types.ConnOllama:   "llama3.1",
}

// FromConnection builds a provider from an LLM connection definition.
// Azure connections address a deployment and authenticate with an "api-key" header.
func FromConnection(conn *types.Connection, logger *zap.Logger) (*Provider, error) {
	kind := strings.ToLower(conn.Kind)
	cfg := Config{
		ProviderName:   kind,
		APIKey:         conn.Value(KeyAPIKey),
		BaseURL:        conn.ValueOr(KeyBaseURL, defaultBaseURLs[kind]),
		DefaultModel:   conn.ValueOr(KeyModel, defaultModels[kind]),
		EmbeddingModel: conn.ValueOr(KeyEmbeddingModel, "text-embedding-3-small"),
		TLS: tlsutil.ConnectionTLS{
			RootCAPEM: conn.Value(KeyRootCAPEM),
		},
	}
	cfg.TLS.InsecureSkipVerify, _ = strconv.ParseBool(conn.Value(KeyInsecureSkipVerify))

	switch kind {
	case types.ConnAzureOpenAI:
		deployment, err := conn.Require(KeyDeployment)
		if err != nil {
			return nil, err
		}
		if cfg.BaseURL == "" {
			return nil, types.NewConfigError(KeyBaseURL, "azure connection "+conn.Name+" has no endpoint")
		}
		cfg.AuthHeader = "api-key"
		cfg.Query = "api-version=" + conn.ValueOr(KeyAPIVersion, "2024-10-21")
		cfg.EndpointPath = "/openai/deployments/" + deployment + "/chat/completions"
		cfg.EmbeddingsPath = "/openai/deployments/" + conn.ValueOr(KeyEmbeddingModel, deployment) + "/embeddings"
		cfg.ModelsEndpoint = "/openai/models"
		cfg.DefaultModel = conn.ValueOr(KeyModel, deployment)
	case types.ConnDeepSeek:
		cfg.EndpointPath = "/chat/completions"
		cfg.ModelsEndpoint = "/models"
	case types.ConnOpenAI, types.ConnOllama:
	case types.ConnOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, types.NewConfigError(KeyBaseURL, "connection "+conn.Name+" has no base URL")
		}
	default:
		return nil, types.NewConfigError("kind", "connection "+conn.Name+" is not an LLM connection")
	}
	return New(cfg, logger)
}
