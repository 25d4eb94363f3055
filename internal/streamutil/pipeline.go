// Package streamutil holds the per-stream plumbing shared by the stream
// engine: a bounded producer pipeline and an idle watchdog.
package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize bounds each stream queue.
const DefaultQueueSize = 16

// Chunk is one unit moving through a pipeline.
type Chunk struct {
	Data []byte
	Err  error
}

// Pipeline is a bounded queue fed by producer goroutines. Producers block
// while the queue is full; the consumer drains Output until it is closed.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Chunk

	onComplete func(err error, elapsed time.Duration)

	startTime time.Time
	closeOnce sync.Once
	closeErr  error
}

type PipelineConfig struct {
	// QueueSize defaults to DefaultQueueSize.
	QueueSize int

	// OnComplete runs once after every producer returned.
	OnComplete func(err error, elapsed time.Duration)
}

func NewPipeline(parent context.Context, cfg PipelineConfig) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)

	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Chunk, cfg.QueueSize),
		onComplete: cfg.OnComplete,
		startTime:  time.Now(),
	}
}

func (p *Pipeline) Context() context.Context {
	return p.ctx
}

func (p *Pipeline) Output() <-chan Chunk {
	return p.output
}

// Go runs f as a producer. An error cancels the other producers.
func (p *Pipeline) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send queues chunk, blocking while the queue is full. It returns false
// once the pipeline is cancelled.
func (p *Pipeline) Send(chunk Chunk) bool {
	select {
	case p.output <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Pipeline) SendData(data []byte) bool {
	return p.Send(Chunk{Data: data})
}

func (p *Pipeline) SendError(err error) bool {
	return p.Send(Chunk{Err: err})
}

// Close waits for the producers, closes Output and reports completion.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.group.Wait()
		close(p.output)
		if p.onComplete != nil {
			p.onComplete(p.closeErr, time.Since(p.startTime))
		}
		p.cancel()
	})
	return p.closeErr
}

func (p *Pipeline) Cancel() {
	p.cancel()
}

// Start closes the pipeline in the background once every producer is done.
func (p *Pipeline) Start() {
	go func() {
		_ = p.Close()
	}()
}
