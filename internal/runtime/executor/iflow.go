package executor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nghyane/omnigate/internal/translator"
)

const (
	iflowBaseURL   = "https://apis.iflow.cn/v1"
	iflowUserAgent = "iFlow-Cli"
)

// IFlowExecutor speaks OpenAI chat completions and signs every request;
// unsigned requests are rejected with 406.
type IFlowExecutor struct {
	BaseExecutor
	now func() time.Time
}

func (e *IFlowExecutor) Format() translator.Format { return translator.FormatOpenAI }

// IFlowSignature is hex(HMAC-SHA256(apiKey, "<ua>:<session>:<ts>")). An empty
// key yields an empty signature.
func IFlowSignature(userAgent, sessionID string, timestampMillis int64, apiKey string) string {
	if apiKey == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(userAgent + ":" + sessionID + ":" + strconv.FormatInt(timestampMillis, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *IFlowExecutor) Execute(ctx context.Context, req ExecRequest) (*http.Response, error) {
	httpReq, err := e.newRequest(ctx, e.baseURL(iflowBaseURL)+"/chat/completions", req.Body, req.Stream)
	if err != nil {
		return nil, err
	}
	key, err := bearer(ctx, httpReq, req.Credential)
	if err != nil {
		return nil, err
	}
	e.sign(httpReq, key)
	return e.do(httpReq, req.Credential)
}

func (e *IFlowExecutor) sign(req *http.Request, key string) {
	ua := req.Header.Get("User-Agent")
	if ua == "" {
		ua = iflowUserAgent
		req.Header.Set("User-Agent", ua)
	}
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	session := "session-" + uuid.NewString()
	ts := now().UnixMilli()
	req.Header.Set("session-id", session)
	req.Header.Set("x-iflow-timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("x-iflow-signature", IFlowSignature(ua, session, ts, key))
}
