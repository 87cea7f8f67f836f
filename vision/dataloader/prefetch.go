package dataloader

import (
	"context"
	"io"
)

// DefaultPrefetchDepth is the number of decoded batches kept ready.
const DefaultPrefetchDepth = 2

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher decodes batches of a DataLoader on a background goroutine so
// image decoding overlaps the training step. It is opt-in: a DataLoader is
// itself a synchronous batch source and is what a run uses by default.
// Batches come out in loader order; the first error ends the stream and is
// returned on every later call to Next.
type Prefetcher struct {
	loader  *DataLoader
	ctx     context.Context
	cancel  context.CancelFunc
	results chan prefetched
	done    chan struct{}
	err     error
}

// NewPrefetcher starts decoding immediately, at most depth batches ahead of
// the consumer. Close must be called to stop the worker.
func NewPrefetcher(ctx context.Context, loader *DataLoader, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Prefetcher{
		loader:  loader,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan prefetched, depth),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Prefetcher) run() {
	defer close(p.done)
	defer close(p.results)
	for p.ctx.Err() == nil {
		batch, err := p.loader.Next()
		select {
		case p.results <- prefetched{batch: batch, err: err}:
		case <-p.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next decoded batch, io.EOF at the end of the epoch, or
// the context error once the prefetcher was cancelled.
func (p *Prefetcher) Next() (*Batch, error) {
	if p.err != nil {
		return nil, p.err
	}
	r, ok := <-p.results
	if !ok {
		p.err = p.ctx.Err()
		if p.err == nil {
			p.err = io.EOF
		}
		return nil, p.err
	}
	if r.err != nil {
		p.err = r.err
	}
	return r.batch, r.err
}

// NumBatches returns the loader's batch count.
func (p *Prefetcher) NumBatches() int {
	return p.loader.NumBatches()
}

// Len returns the loader's sample count.
func (p *Prefetcher) Len() int {
	return p.loader.Len()
}

// Close stops the worker and waits for it to exit.
func (p *Prefetcher) Close() {
	p.cancel()
	<-p.done
}
