package stream

import (
	"context"
	"fmt"
	"io"

	"github.com/nghyane/omnigate/internal/translator"
	"github.com/nghyane/omnigate/internal/translator/ir"
)

// Collect reads a complete upstream body and renders one client response
// document. Usage is estimated when the upstream reported none.
func Collect(ctx context.Context, opts Options, upstream io.Reader) ([]byte, *ir.Usage, error) {
	if c, ok := upstream.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}
	body, err := io.ReadAll(upstream)
	if err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		return nil, nil, fmt.Errorf("read upstream body: %w", err)
	}

	src, tgt := opts.Source, opts.Target
	if src == "" {
		src = translator.FormatOpenAI
	}
	if tgt == "" {
		tgt = src
	}
	out, usage, err := translator.CollectResponse(src, tgt, opts.Model, body)
	if err != nil {
		return nil, nil, err
	}

	estimated := false
	if !usage.Valid() {
		est := opts.Estimator
		if est == nil {
			est = RatioEstimator{CharsPerToken: 4}
		}
		prompt := est.Estimate(string(opts.RequestBody))
		completion := est.Estimate(string(out))
		usage = &ir.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
		estimated = true
	}
	if opts.OnComplete != nil {
		opts.OnComplete(Result{Status: 200, Usage: usage, Estimated: estimated})
	}
	return out, usage, nil
}
