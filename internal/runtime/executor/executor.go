// Package executor sends translated requests to upstream providers.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/resilience"
	"github.com/nghyane/omnigate/internal/translator"
)

// maxErrorBody caps how much of a failed upstream response is kept.
const maxErrorBody = 64 << 10

// ExecRequest is one upstream call. Body is already in the executor's format.
type ExecRequest struct {
	Model      string
	Body       []byte
	Stream     bool
	Credential *provider.Credential
}

// Executor performs requests against one provider. A non-2xx answer is
// returned as *provider.UpstreamError with the body consumed.
type Executor interface {
	Provider() string
	Format() translator.Format
	Execute(ctx context.Context, req ExecRequest) (*http.Response, error)
}

// BaseExecutor carries what every provider kind shares: the provider config
// and one HTTP client per proxy URL.
type BaseExecutor struct {
	Cfg   *config.Provider
	Retry resilience.RetryConfig

	mu      sync.Mutex
	clients map[string]*http.Client
}

func (b *BaseExecutor) Provider() string { return b.Cfg.ID }

func (b *BaseExecutor) httpClient(proxyURL string) (*http.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[proxyURL]; ok {
		return c, nil
	}
	c, err := resilience.NewHTTPClient(proxyURL, 0, b.Retry)
	if err != nil {
		return nil, err
	}
	if b.clients == nil {
		b.clients = make(map[string]*http.Client)
	}
	b.clients[proxyURL] = c
	return c, nil
}

// baseURL returns the configured base URL or def, without a trailing slash.
func (b *BaseExecutor) baseURL(def string) string {
	base := strings.TrimSpace(b.Cfg.BaseURL)
	if base == "" {
		base = def
	}
	return strings.TrimRight(base, "/")
}

// newRequest builds a POST with the common headers and the provider's
// configured headers.
func (b *BaseExecutor) newRequest(ctx context.Context, url string, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	SetCommonHeaders(req, "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if b.Cfg.UserAgent != "" {
		req.Header.Set("User-Agent", b.Cfg.UserAgent)
	}
	for k, v := range b.Cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do sends req with the credential's proxy. Failed answers become
// *provider.UpstreamError; successful bodies are decompressed.
func (b *BaseExecutor) do(req *http.Request, cred *provider.Credential) (*http.Response, error) {
	proxyURL := ""
	if cred != nil {
		proxyURL = cred.ProxyURL
	}
	client, err := b.httpClient(proxyURL)
	if err != nil {
		return nil, &provider.ClientError{Status: http.StatusInternalServerError, Message: fmt.Sprintf("provider %s: %v", b.Cfg.ID, err), Err: err}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Cfg.ID, err)
	}
	if err := DecodeBody(resp); err != nil {
		resp.Body.Close()
		return nil, &provider.UpstreamError{Provider: b.Cfg.ID, Status: http.StatusBadGateway, Message: err.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, HandleHTTPError(resp, b.Cfg.ID, time.Since(start))
}

// HandleHTTPError drains and closes a failed response into an UpstreamError.
func HandleHTTPError(resp *http.Response, providerID string, elapsed time.Duration) *provider.UpstreamError {
	defer resp.Body.Close()
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	ue := provider.NewUpstreamError(providerID, resp, body)
	entry := log.WithFields(log.Fields{"provider": providerID, "status": resp.StatusCode, "elapsed": elapsed.Round(time.Millisecond)})
	if readErr != nil {
		entry = entry.WithError(readErr)
	}
	entry.Debugf("upstream error: %s", summarizeErrorBody(resp.Header.Get("Content-Type"), body))
	return ue
}

func summarizeErrorBody(contentType string, body []byte) string {
	if strings.Contains(contentType, "text/html") {
		return "[html body omitted]"
	}
	if len(body) > 512 {
		return string(body[:512]) + "..."
	}
	return string(body)
}

func SetCommonHeaders(req *http.Request, contentType string) {
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
}

// bearer resolves the credential's token and sets the Authorization header.
func bearer(ctx context.Context, req *http.Request, cred *provider.Credential) (string, error) {
	if cred == nil {
		return "", nil
	}
	tok, err := cred.Token(ctx)
	if err != nil {
		return "", err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return tok, nil
}

// New returns the executor for a provider's type.
func New(p *config.Provider, retry resilience.RetryConfig) (Executor, error) {
	switch p.Type {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return &OpenAIExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}, defaultBase: openAIBaseURL}, nil
	case config.ProviderTypeLiteLLM:
		return NewLiteLLMExecutor(p, retry), nil
	case config.ProviderTypeIFlow:
		return &IFlowExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}}, nil
	case config.ProviderTypeClaude, config.ProviderTypeAnthropicCompatible:
		return &ClaudeExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}}, nil
	case config.ProviderTypeGemini:
		return &GeminiExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}}, nil
	case config.ProviderTypeGeminiCLI, config.ProviderTypeAntigravity:
		return &CloudCodeExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}, antigravity: p.Type == config.ProviderTypeAntigravity}, nil
	case config.ProviderTypeOpenAIResponses:
		return &ResponsesExecutor{BaseExecutor: BaseExecutor{Cfg: p, Retry: retry}}, nil
	}
	return nil, fmt.Errorf("provider %s: unsupported type %q", p.ID, p.Type)
}
