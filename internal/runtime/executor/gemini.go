package executor

import (
	"context"
	"net/http"
	"strings"

	"github.com/nghyane/omnigate/internal/translator"
	"github.com/tidwall/sjson"
)

const (
	geminiBaseURL    = "https://generativelanguage.googleapis.com"
	codeAssistURL    = "https://cloudcode-pa.googleapis.com"
	codeAssistPath   = "/v1internal"
	geminiCLIAgent   = "google-api-nodejs-client/9.15.1"
	geminiCLIClient  = "gl-node/22.17.0"
	antigravityAgent = "antigravity/1.11.5 linux/amd64"
)

// GeminiExecutor calls the public Generative Language API.
type GeminiExecutor struct {
	BaseExecutor
}

func (e *GeminiExecutor) Format() translator.Format { return translator.FormatGemini }

func geminiAction(stream bool) string {
	if stream {
		return ":streamGenerateContent?alt=sse"
	}
	return ":generateContent"
}

func (e *GeminiExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	model := strings.TrimPrefix(req.Model, "models/")
	url := e.baseURL(geminiBaseURL) + "/v1beta/models/" + model + geminiAction(req.Stream)
	httpReq, err := e.newRequest(ctx, url, req.Body, req.Stream)
	if err != nil {
		return nil, err
	}
	if cred := req.Credential; cred != nil {
		if cred.IsOAuth() {
			if _, err := bearer(ctx, httpReq, cred); err != nil {
				return nil, err
			}
		} else if cred.APIKey != "" {
			httpReq.Header.Set("x-goog-api-key", cred.APIKey)
		}
	}
	return e.do(httpReq, req.Credential)
}

// CloudCodeExecutor calls the Cloud Code Assist API used by gemini-cli and
// antigravity. Request bodies are envelopes; responses are relayed as is and
// unwrapped by the translator.
type CloudCodeExecutor struct {
	BaseExecutor
	antigravity bool
}

func (e *CloudCodeExecutor) Format() translator.Format {
	if e.antigravity {
		return translator.FormatAntigravity
	}
	return translator.FormatGeminiCLI
}

func (e *CloudCodeExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	body := req.Body
	if cred := req.Credential; cred != nil && cred.ProjectID != "" {
		if patched, err := sjson.SetBytes(body, "project", cred.ProjectID); err == nil {
			body = patched
		}
	}
	url := e.baseURL(codeAssistURL) + codeAssistPath + geminiAction(req.Stream)
	httpReq, err := e.newRequest(ctx, url, body, req.Stream)
	if err != nil {
		return nil, err
	}
	if httpReq.Header.Get("User-Agent") == "" {
		if e.antigravity {
			httpReq.Header.Set("User-Agent", antigravityAgent)
		} else {
			httpReq.Header.Set("User-Agent", geminiCLIAgent)
			httpReq.Header.Set("X-Goog-Api-Client", geminiCLIClient)
		}
	}
	if _, err := bearer(ctx, httpReq, req.Credential); err != nil {
		return nil, err
	}
	return e.do(httpReq, req.Credential)
}
