package executor

import (
	"context"
	"net/http"
	"os"

	"github.com/nghyane/omnigate/internal/config"
	"github.com/nghyane/omnigate/internal/resilience"
	"github.com/nghyane/omnigate/internal/translator"
)

const (
	openAIBaseURL  = "https://api.openai.com/v1"
	liteLLMBaseURL = "http://localhost:4000/v1"
)

// OpenAIExecutor serves openai and openai-compatible providers.
type OpenAIExecutor struct {
	BaseExecutor
	defaultBase string
	// fallbackKey is used when the credential carries no token.
	fallbackKey string
}

// NewLiteLLMExecutor targets a LiteLLM proxy. Without an account key it
// authenticates with LITELLM_MASTER_KEY.
func NewLiteLLMExecutor(p *config.Provider, retry resilience.RetryConfig) *OpenAIExecutor {
	def := liteLLMBaseURL
	if env := os.Getenv("LITELLM_PROXY_URL"); env != "" {
		def = env + "/v1"
	}
	return &OpenAIExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}, defaultBase: def, fallbackKey: os.Getenv("LITELLM_MASTER_KEY")}
}

func (e *OpenAIExecutor) Format() translator.Format { return translator.FormatOpenAI }

func (e *OpenAIExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	httpReq, err := e.newRequest(ctx, e.baseURL(e.defaultBase)+"/chat/completions", req.Body, req.Stream)
	if err != nil {
		return nil, err
	}
	tok, err := bearer(ctx, httpReq, req.Credential)
	if err != nil {
		return nil, err
	}
	if tok == "" && e.fallbackKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.fallbackKey)
	}
	return e.do(httpReq, req.Credential)
}
