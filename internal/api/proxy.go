package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nghyane/omnigate/internal/dispatch"
	"github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/provider"
	"github.com/nghyane/omnigate/internal/translator"
)

const (
	formatOpenAI    = translator.FormatOpenAI
	formatResponses = translator.FormatOpenAIResponses
	formatClaude    = translator.FormatClaude

	methodGenerate = "generateContent"
	methodStream   = "streamGenerateContent"
)

// proxy serves a route whose client format is fixed, or detected from the
// body when format is empty.
func (s *Server) proxy(format translator.Format) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.forward(c, format, "", nil)
	}
}

// gemini serves /v1beta/models/{model}:{method}. Model and streaming come
// from the path.
func (s *Server) gemini(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	i := strings.LastIndex(action, ":")
	if i <= 0 {
		abortWithError(c, provider.NewClientError(http.StatusNotFound, "Unknown Gemini action: %s", action))
		return
	}
	stream, ok := streamFor(action[i+1:])
	if !ok {
		abortWithError(c, provider.NewClientError(http.StatusNotFound, "Unsupported Gemini method: %s", action[i+1:]))
		return
	}
	s.forward(c, translator.FormatGemini, action[:i], &stream)
}

// codeAssist serves the Cloud Code Assist routes used by gemini-cli, and by
// antigravity when its user agent says so.
func (s *Server) codeAssist(c *gin.Context) {
	stream, ok := streamFor(c.Param("method"))
	if !ok {
		abortWithError(c, provider.NewClientError(http.StatusNotFound, "Unsupported method: %s", c.Param("method")))
		return
	}
	format := translator.FormatGeminiCLI
	if strings.Contains(strings.ToLower(c.GetHeader("User-Agent")), "antigravity") {
		format = translator.FormatAntigravity
	}
	s.forward(c, format, "", &stream)
}

func streamFor(method string) (bool, bool) {
	switch method {
	case methodGenerate:
		return false, true
	case methodStream:
		return true, true
	}
	return false, false
}

func (s *Server) forward(c *gin.Context, format translator.Format, model string, stream *bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			abortWithError(c, tooLarge(mbe.Limit))
			return
		}
		abortWithError(c, provider.NewClientError(http.StatusBadRequest, "cannot read request body"))
		return
	}

	resp, err := s.dispatch.Handle(c.Request.Context(), dispatch.Request{
		Body:      body,
		Format:    format,
		Model:     model,
		Stream:    stream,
		APIKey:    c.GetString(apiKeyKey),
		Endpoint:  c.FullPath(),
		RequestID: c.GetString(logging.RequestIDKey),
		Writer:    c.Writer,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	if resp.Streamed {
		return
	}
	c.Data(resp.Status, resp.ContentType, resp.Body)
}
