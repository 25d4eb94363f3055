package executor

import (
	"context"
	"net/http"

	"github.com/nghyane/omnigate/internal/translator"
)

const (
	claudeBaseURL    = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	claudeOAuthBeta  = "oauth-2025-04-20"
)

// ClaudeExecutor serves claude and anthropic-compatible providers.
type ClaudeExecutor struct {
	BaseExecutor
}

func (e *ClaudeExecutor) Format() translator.Format { return translator.FormatClaude }

func (e *ClaudeExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	httpReq, err := e.newRequest(ctx, e.baseURL(claudeBaseURL)+"/v1/messages", req.Body, req.Stream)
	if err != nil {
		return nil, err
	}
	if httpReq.Header.Get("anthropic-version") == "" {
		httpReq.Header.Set("anthropic-version", anthropicVersion)
	}
	if cred := req.Credential; cred != nil {
		if cred.IsOAuth() {
			if _, err := bearer(ctx, httpReq, cred); err != nil {
				return nil, err
			}
			httpReq.Header.Set("anthropic-beta", claudeOAuthBeta)
		} else if cred.APIKey != "" {
			httpReq.Header.Set("x-api-key", cred.APIKey)
		}
	}
	return e.do(httpReq, req.Credential)
}
