package stream

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/nghyane/omnigate/internal/streamutil"
)

const readChunkSize = 32 * 1024

// StatusClientClosed is recorded when the client goes away mid-stream.
const StatusClientClosed = 499

// Run drives one stream from upstream to w. Reading is suspended while the
// writer queue is full. It returns ErrStreamIdleTimeout when the watchdog
// fired, the context cause when the client left, or the first write error.
func (e *Engine) Run(ctx context.Context, upstream io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	closeUpstream := func() {
		if c, ok := upstream.(io.Closer); ok {
			_ = c.Close()
		}
	}
	stopClose := context.AfterFunc(ctx, closeUpstream)
	defer stopClose()

	watchdog := streamutil.NewWatchdog(e.opts.IdleTimeout, func() {
		e.log.Warnf("upstream idle for %s, aborting stream", e.opts.IdleTimeout)
		if e.opts.OnTimeout != nil {
			e.opts.OnTimeout()
		}
		cancel(ErrStreamIdleTimeout)
	})
	defer watchdog.Stop()

	reader := streamutil.NewPipeline(ctx, streamutil.PipelineConfig{})
	reader.Go(func(ctx context.Context) error {
		for {
			buf := make([]byte, readChunkSize)
			n, err := upstream.Read(buf)
			if n > 0 {
				watchdog.Touch()
				if !reader.SendData(buf[:n]) {
					return nil
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	})
	reader.Start()

	writes := make(chan []byte, streamutil.DefaultQueueSize)
	writerDone := make(chan struct{})
	var writeErr error
	go func() {
		defer close(writerDone)
		flusher, _ := w.(http.Flusher)
		for b := range writes {
			if writeErr != nil {
				continue
			}
			if _, err := w.Write(b); err != nil {
				writeErr = err
				cancel(err)
				continue
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}()
	finish := func() {
		close(writes)
		<-writerDone
	}
	enqueue := func(b []byte) bool {
		if len(b) == 0 {
			return true
		}
		select {
		case writes <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for c := range reader.Output() {
		out, err := e.Write(c.Data)
		if err != nil {
			break
		}
		if !enqueue(out) {
			break
		}
	}

	if cause := context.Cause(ctx); cause != nil {
		reader.Cancel()
		finish()
		if errors.Is(cause, ErrStreamIdleTimeout) {
			e.Fail(http.StatusGatewayTimeout, ErrStreamIdleTimeout)
			return ErrStreamIdleTimeout
		}
		e.Fail(StatusClientClosed, cause)
		if writeErr != nil {
			return writeErr
		}
		return cause
	}

	readErr := reader.Close()
	if readErr != nil {
		e.log.WithError(readErr).Warn("upstream read failed")
		e.Fail(http.StatusBadGateway, readErr)
	}
	enqueue(e.Flush())
	finish()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}
