package executor

import (
	"context"
	"net/http"

	"github.com/nghyane/omnigate/internal/translator"
)

// ResponsesExecutor targets OpenAI Responses endpoints (codex-like upstreams).
type ResponsesExecutor struct {
	BaseExecutor
}

func (e *ResponsesExecutor) Format() translator.Format { return translator.FormatOpenAIResponses }

func (e *ResponsesExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	httpReq, err := e.newRequest(ctx, e.baseURL(openAIBaseURL)+"/responses", req.Body, req.Stream)
	if err != nil {
		return nil, err
	}
	if _, err := bearer(ctx, httpReq, req.Credential); err != nil {
		return nil, err
	}
	return e.do(httpReq, req.Credential)
}
