package stream

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nghyane/omnigate/internal/config"
	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/translator"
	"github.com/tiktoken-go/tokenizer"
)

// claudeRatioScale shrinks the chars-per-token ratio for Claude clients,
// whose tokenizer splits English text finer (4 -> 3.5).
const claudeRatioScale = 0.875

// Estimator guesses token counts when the upstream omits usage.
type Estimator interface {
	Estimate(text string) int
}

// RatioEstimator divides the rune count by a fixed chars-per-token ratio.
type RatioEstimator struct {
	CharsPerToken float64
}

func (e RatioEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / ratio))
}

// TiktokenEstimator counts cl100k tokens.
type TiktokenEstimator struct {
	codec    tokenizer.Codec
	fallback RatioEstimator
}

func (e *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return e.fallback.Estimate(text)
	}
	return len(ids)
}

var (
	cl100kOnce  sync.Once
	cl100kCodec tokenizer.Codec
	cl100kErr   error
)

func cl100k() (tokenizer.Codec, error) {
	cl100kOnce.Do(func() {
		cl100kCodec, cl100kErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return cl100kCodec, cl100kErr
}

// NewEstimator builds the estimator configured for clients speaking f.
func NewEstimator(cfg config.EstimatorConfig, f translator.Format) Estimator {
	ratio := RatioEstimator{CharsPerToken: cfg.CharsPerToken}
	if ratio.CharsPerToken <= 0 {
		ratio.CharsPerToken = 4
	}
	if f == translator.FormatClaude {
		ratio.CharsPerToken *= claudeRatioScale
	}
	if !strings.EqualFold(cfg.Tokenizer, "tiktoken") {
		return ratio
	}
	codec, err := cl100k()
	if err != nil {
		log.Warnf("tiktoken unavailable, falling back to ratio estimate: %v", err)
		return ratio
	}
	return &TiktokenEstimator{codec: codec, fallback: ratio}
}
