// Package streamutil manages the goroutines behind one streaming completion:
// a producer parsing CLI output and a consumer writing SSE frames.
package streamutil

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Frame is one unit of SSE output (or a producer error).
type Frame struct {
	Data []byte
	Err  error
}

// Pipeline runs producers under an errgroup and hands frames to a single
// consumer channel, with lifecycle callbacks for stats.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	output chan Frame

	onComplete func(success bool, elapsed time.Duration)

	startTime time.Time
	mu        sync.Mutex
	closed    bool
	hasError  bool
}

// PipelineConfig configures a new pipeline.
type PipelineConfig struct {
	// BufferSize for the output channel. Default 128.
	BufferSize int

	// OnComplete fires once when the pipeline finishes (optional).
	OnComplete func(success bool, elapsed time.Duration)
}

// NewPipeline builds a pipeline whose goroutines are cancelled together when
// any producer fails or the parent context ends.
func NewPipeline(parent context.Context, cfg PipelineConfig) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 128
	}
	ctx, cancel := context.WithCancel(parent)
	g, gctx := errgroup.WithContext(ctx)
	return &Pipeline{
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		output:     make(chan Frame, cfg.BufferSize),
		onComplete: cfg.OnComplete,
		startTime:  time.Now(),
	}
}

// Context returns the pipeline's context; producers should honor it.
func (p *Pipeline) Context() context.Context { return p.ctx }

// Output returns the consumer channel. It is closed when all producers
// finish.
func (p *Pipeline) Output() <-chan Frame { return p.output }

// Go starts a producer. A returned error cancels the whole group.
func (p *Pipeline) Go(f func(ctx context.Context) error) {
	p.group.Go(func() error {
		return f(p.ctx)
	})
}

// Send delivers a frame to the consumer. False means the pipeline ended.
func (p *Pipeline) Send(frame Frame) bool {
	if frame.Err != nil {
		p.mu.Lock()
		p.hasError = true
		p.mu.Unlock()
	}
	select {
	case p.output <- frame:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// SendData delivers a data frame.
func (p *Pipeline) SendData(data []byte) bool {
	return p.Send(Frame{Data: data})
}

// SendError delivers an error frame.
func (p *Pipeline) SendError(err error) bool {
	return p.Send(Frame{Err: err})
}

// Close waits for producers, closes the output channel, and fires the
// completion callback. Idempotent.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hasError := p.hasError
	p.mu.Unlock()

	err := p.group.Wait()
	close(p.output)
	if p.onComplete != nil {
		p.onComplete(err == nil && !hasError, time.Since(p.startTime))
	}
	p.cancel()
	return err
}

// Cancel aborts the pipeline immediately.
func (p *Pipeline) Cancel() {
	p.cancel()
}

// Start closes the pipeline in the background once all producers return, so
// the consumer can rely on channel close alone.
func (p *Pipeline) Start() {
	go func() {
		_ = p.Close()
	}()
}
